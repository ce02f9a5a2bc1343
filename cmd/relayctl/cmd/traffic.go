package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// trafficSummary is what a traffic run reports.
type trafficSummary struct {
	SubscriptionID string        `json:"subscription_id"`
	EventType      string        `json:"event_type"`
	Requested      int           `json:"requested"`
	Accepted       int64         `json:"accepted"`
	Rejected       int64         `json:"rejected"`
	Duration       time.Duration `json:"duration"`
	RPS            float64       `json:"rps"`
}

var trafficCmd = &cobra.Command{
	Use:   "traffic [subscription-id]",
	Short: "Submit a stream of test events to a subscription",
	Long: `Submit --count events to one subscription at up to --rate requests per
second, with at most --concurrency requests in flight. Each payload carries a
fresh id and sequence number.

Example:
  relayctl traffic sub-orders --count 500 --rate 50 --type load.test`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		rate, _ := cmd.Flags().GetInt("rate")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		eventType, _ := cmd.Flags().GetString("type")
		if count <= 0 || rate <= 0 || concurrency <= 0 {
			return fmt.Errorf("--count, --rate and --concurrency must be positive")
		}

		sum := runTraffic(cmd.Context(), newClient(), args[0], eventType, count, rate, concurrency)
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), sum)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Traffic to %s (%s):\n", sum.SubscriptionID, sum.EventType)
		fmt.Fprintf(w, "  Requested: %d\n", sum.Requested)
		fmt.Fprintf(w, "  Accepted: %d\n", sum.Accepted)
		fmt.Fprintf(w, "  Rejected: %d\n", sum.Rejected)
		fmt.Fprintf(w, "  Duration: %s\n", sum.Duration.Round(time.Millisecond))
		fmt.Fprintf(w, "  Rate: %.1f req/s\n", sum.RPS)
		return nil
	},
}

func runTraffic(ctx context.Context, c *apiClient, subID, eventType string, count, rate, concurrency int) trafficSummary {
	if ctx == nil {
		ctx = context.Background()
	}
	sum := trafficSummary{SubscriptionID: subID, EventType: eventType, Requested: count}
	path := "/v1/subscriptions/" + url.PathEscape(subID) + "/deliveries"

	interval := time.Second / time.Duration(rate)
	if interval <= 0 {
		interval = time.Nanosecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var accepted, rejected atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	start := time.Now()
	for i := 0; i < count; i++ {
		if i > 0 {
			select {
			case <-ticker.C:
			case <-gctx.Done():
			}
		}
		if gctx.Err() != nil {
			rejected.Add(int64(count - i))
			break
		}
		seq := i + 1
		g.Go(func() error {
			payload, _ := json.Marshal(map[string]any{
				"id":       uuid.NewString(),
				"sequence": seq,
				"sent_at":  time.Now().UTC().Format(time.RFC3339Nano),
			})
			rctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			if err := c.do(rctx, "POST", path, eventBody{EventType: eventType, Payload: payload}, nil); err != nil {
				rejected.Add(1)
				return nil
			}
			accepted.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	sum.Duration = time.Since(start)
	sum.Accepted = accepted.Load()
	sum.Rejected = rejected.Load()
	if secs := sum.Duration.Seconds(); secs > 0 {
		sum.RPS = float64(sum.Accepted+sum.Rejected) / secs
	}
	return sum
}

func init() {
	rootCmd.AddCommand(trafficCmd)

	trafficCmd.Flags().Int("count", 100, "number of events to submit")
	trafficCmd.Flags().Int("rate", 10, "maximum requests per second")
	trafficCmd.Flags().Int("concurrency", 8, "maximum requests in flight")
	trafficCmd.Flags().String("type", "relayctl.traffic", "event type")
}
