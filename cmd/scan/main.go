// Command scan drives an adaptive measurement scan over a combinatorial
// sample library: it moves the stage to each recommended point, measures,
// and waits for the next recommendation on the gRPC feed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/banshee-data/adaptive.scan/internal/config"
	"github.com/banshee-data/adaptive.scan/internal/db"
	"github.com/banshee-data/adaptive.scan/internal/geometry"
	"github.com/banshee-data/adaptive.scan/internal/version"
)

var (
	configPath  = flag.String("config", "", "Scan config JSON (default: built-in defaults)")
	devMode     = flag.Bool("dev", false, "Simulate the stage and detector")
	dbPath      = flag.String("db", "", "SQLite database path (overrides config)")
	regionsFile = flag.String("regions", "", "Regions JSON used when the database has none (overrides config)")
	port        = flag.String("port", "", "Stage serial port (overrides config, ignored in dev mode)")
	listen      = flag.String("listen", "", "Debug HTTP listen address (overrides config)")
	grpcListen  = flag.String("grpc-listen", "", "Recommendation feed listen address (overrides config)")
	first       = flag.String("first", "", "First point as ti,temperature,annealing_time,thickness (default: centre of the first region)")
	simOffset   = flag.Float64("sim-readback-offset", 0, "Dev mode: encoder error added to every position readback, mm")
	simSeed     = flag.Uint64("sim-seed", 1, "Dev mode: detector noise seed")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: %s [flags] [command]

Commands:
  run                        Run the scan daemon (default)
  regions import <file.json> Replace the stored strip layout
  regions export <file.json> Write the stored strip layout
  layout <out.png>           Plot the strip layout
  migrate <action>           Manage the database schema (see 'migrate help')

Flags:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlags(cfg)

	args := flag.Args()
	command := "run"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	switch command {
	case "run":
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := runDaemon(ctx, cfg, daemonOptions{
			dev:            *devMode,
			first:          *first,
			readbackOffset: *simOffset,
			seed:           *simSeed,
		}); err != nil {
			log.Fatalf("scan failed: %v", err)
		}
	case "regions":
		if err := runRegionsCommand(cfg, args); err != nil {
			log.Fatal(err)
		}
	case "layout":
		if len(args) != 1 {
			log.Fatal("Usage: scan layout <out.png>")
		}
		if err := runLayout(cfg, args[0]); err != nil {
			log.Fatal(err)
		}
	case "migrate":
		if err := db.RunMigrateCommand(os.Stdout, args, cfg.GetDBPath()); err != nil {
			log.Fatal(err)
		}
	default:
		usage()
		os.Exit(2)
	}
}

// loadConfig reads path, or returns an empty config (all defaults) when path
// is empty.
func loadConfig(path string) (*config.ScanConfig, error) {
	if path == "" {
		return &config.ScanConfig{}, nil
	}
	return config.LoadScanConfig(path)
}

// applyFlags lets command-line flags override the config file.
func applyFlags(cfg *config.ScanConfig) {
	for flagValue, field := range map[*string]**string{
		dbPath:      &cfg.DBPath,
		regionsFile: &cfg.RegionsFile,
		port:        &cfg.SerialPort,
		listen:      &cfg.HTTPListen,
		grpcListen:  &cfg.GRPCListen,
	} {
		if *flagValue != "" {
			v := *flagValue
			*field = &v
		}
	}
}

// parseFirst parses "ti,temperature,annealing_time,thickness".
func parseFirst(s string) (geometry.Request, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return geometry.Request{}, fmt.Errorf("first point %q: want ti,temperature,annealing_time,thickness", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return geometry.Request{}, fmt.Errorf("first point %q: %w", s, err)
		}
		v[i] = f
	}
	return geometry.Request{Ti: v[0], Temperature: v[1], AnnealingTime: v[2], Thickness: v[3]}, nil
}

// defaultFirst is the centre of the first region.
func defaultFirst(regions []geometry.Region) geometry.Request {
	r := regions[0]
	return geometry.Request{
		Ti:            (r.TiMin() + r.TiMax()) / 2,
		Temperature:   float64(r.Temperature),
		AnnealingTime: float64(r.AnnealingTime),
		Thickness:     float64(r.Thickness),
	}
}
