package recommend

import (
	"context"
	"fmt"

	"github.com/banshee-data/adaptive.scan/internal/monitoring"
)

// Stepper is a minimal recommender: after each measurement it asks for the
// point Delta further along Key, and terminates the batch once it holds
// MaxCount measurements.
type Stepper struct {
	Key      string
	Delta    float64
	MaxCount int
}

// Next returns the value to recommend for Key, or stop once the batch has
// MaxCount measurements.
func (s Stepper) Next(ev map[string]any) (value float64, stop bool, err error) {
	count, ok := ev["batch_count"].(float64)
	if !ok {
		return 0, false, fmt.Errorf("event without batch_count: %v", ev)
	}
	if int(count)+1 >= s.MaxCount {
		return 0, true, nil
	}
	current, ok := ev[s.Key].(float64)
	if !ok {
		return 0, false, fmt.Errorf("event without numeric %q: %v", s.Key, ev)
	}
	return current + s.Delta, false, nil
}

// Follow answers every measurement on the feed until it terminates the batch
// or the stream ends.
func (s Stepper) Follow(ctx context.Context, client *FeedClient) error {
	stream, err := client.Measurements(ctx)
	if err != nil {
		return fmt.Errorf("open measurement stream: %w", err)
	}
	for {
		ev, err := stream.Recv()
		if IsEndOfStream(err) {
			return nil
		}
		if err != nil {
			return err
		}
		value, stop, err := s.Next(ev)
		if err != nil {
			monitoring.Logf("[stepper] skipping event: %v", err)
			continue
		}
		if stop {
			monitoring.Logf("[stepper] batch %v reached %d measurement(s), terminating", ev["batch_id"], s.MaxCount)
			return client.Terminate(ctx)
		}
		monitoring.Logf("[stepper] measured %s=%v, recommending %s=%g", s.Key, ev[s.Key], s.Key, value)
		if err := client.Recommend(ctx, map[string]float64{s.Key: value}); err != nil {
			return err
		}
	}
}
