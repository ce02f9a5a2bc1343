package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

type eventBody struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type submitResult struct {
	Message        string `json:"message"`
	SubscriptionID string `json:"subscription_id"`
	EventType      string `json:"event_type"`
	DeliveryID     string `json:"delivery_id"`
}

type publishResult struct {
	EventType   string   `json:"event_type"`
	DeliveryIDs []string `json:"delivery_ids"`
	Fanout      int      `json:"fanout"`
}

var submitCmd = &cobra.Command{
	Use:   "submit [subscription-id]",
	Short: "Submit one event to one subscription",
	Long: `Create a delivery of an event to a single subscription.

Examples:
  relayctl submit sub-orders --type order.created --payload '{"order_id":42}'
  relayctl submit sub-orders --type order.created --payload @event.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eventType, _ := cmd.Flags().GetString("type")
		raw, _ := cmd.Flags().GetString("payload")
		payload, err := parsePayload(raw)
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()

		var res submitResult
		path := "/v1/subscriptions/" + url.PathEscape(args[0]) + "/deliveries"
		if err := newClient().do(ctx, "POST", path, eventBody{EventType: eventType, Payload: payload}, &res); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), res)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Accepted delivery %s (%s -> %s)\n", res.DeliveryID, res.EventType, res.SubscriptionID)
		return nil
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish an event to every subscription listening to its type",
	Long: `Fan an event out to all active subscriptions of its event type.

Example:
  relayctl publish --type order.created --payload '{"order_id":42}'`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eventType, _ := cmd.Flags().GetString("type")
		raw, _ := cmd.Flags().GetString("payload")
		payload, err := parsePayload(raw)
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()

		var res publishResult
		if err := newClient().do(ctx, "POST", "/v1/events", eventBody{EventType: eventType, Payload: payload}, &res); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), res)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Published %s to %d subscription(s)\n", res.EventType, res.Fanout)
		for _, id := range res.DeliveryIDs {
			fmt.Fprintf(w, "  %s\n", id)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(publishCmd)

	for _, c := range []*cobra.Command{submitCmd, publishCmd} {
		c.Flags().String("type", "", "event type")
		c.Flags().String("payload", "", "JSON payload, or @file")
		_ = c.MarkFlagRequired("type")
		_ = c.MarkFlagRequired("payload")
	}
}
