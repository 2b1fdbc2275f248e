// Command step-recommender is a minimal recommender for exercising the scan
// daemon: after each measurement it asks for the next point one fixed step
// further along one axis, and terminates the run after a fixed count.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/banshee-data/adaptive.scan/internal/recommend"
)

var (
	addr     = flag.String("addr", "127.0.0.1:50051", "Recommendation feed address")
	key      = flag.String("key", "ti", "Axis to step")
	delta    = flag.Float64("delta", 1.5, "Step per measurement")
	maxCount = flag.Int("max-count", 15, "Terminate after this many measurements")
)

func dial(target string) (*grpc.ClientConn, error) {
	return grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

func main() {
	flag.Parse()
	if *maxCount < 1 {
		log.Fatal("-max-count must be at least 1")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := dial(*addr)
	if err != nil {
		log.Fatalf("failed to connect to %s: %v", *addr, err)
	}
	defer conn.Close()

	stepper := recommend.Stepper{Key: *key, Delta: *delta, MaxCount: *maxCount}
	err = stepper.Follow(ctx, recommend.NewFeedClient(conn))
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}
