package cmd

import (
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/delivery"
)

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect deliveries",
	Long:  `Look up a delivery, its attempt history, or the deliveries of a subscription.`,
}

var deliveryGetCmd = &cobra.Command{
	Use:   "get [delivery-id]",
	Short: "Show one delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var d delivery.Delivery
		if err := newClient().do(ctx, "GET", "/v1/deliveries/"+url.PathEscape(args[0]), nil, &d); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), d)
		}
		printDelivery(cmd.OutOrStdout(), d)
		return nil
	},
}

var deliveryHistoryCmd = &cobra.Command{
	Use:   "history [delivery-id]",
	Short: "Show a delivery with every attempt",
	Long: `Show a delivery and its attempts in sequence order.

Example:
  relayctl delivery history 0b7c8a0e-5d0f-4a43-8f7e-2d1c7f9b9c11`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var h delivery.History
		if err := newClient().do(ctx, "GET", "/v1/deliveries/"+url.PathEscape(args[0])+"/history", nil, &h); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), h)
		}
		w := cmd.OutOrStdout()
		printDelivery(w, h.Delivery)
		if len(h.Attempts) == 0 {
			fmt.Fprintln(w, "  No attempts yet")
			return nil
		}
		for _, a := range h.Attempts {
			printAttempt(w, a)
		}
		return nil
	},
}

type deliveryList struct {
	SubscriptionID string              `json:"subscription_id"`
	Deliveries     []delivery.Delivery `json:"deliveries"`
	TotalCount     int                 `json:"total_count"`
	SuccessRate    float64             `json:"success_rate"`
	Limit          int                 `json:"limit"`
	Offset         int                 `json:"offset"`
}

var deliveryListCmd = &cobra.Command{
	Use:   "list [subscription-id]",
	Short: "List recent deliveries of a subscription",
	Long: `List a subscription's deliveries, newest first.

Example:
  relayctl delivery list sub-orders --limit 20 --offset 40`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		q.Set("offset", strconv.Itoa(offset))

		ctx, cancel := requestContext()
		defer cancel()

		var list deliveryList
		path := "/v1/subscriptions/" + url.PathEscape(args[0]) + "/deliveries?" + q.Encode()
		if err := newClient().do(ctx, "GET", path, nil, &list); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), list)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Deliveries for subscription %s (%d total, %.1f%% delivered):\n", list.SubscriptionID, list.TotalCount, list.SuccessRate)
		if len(list.Deliveries) == 0 {
			fmt.Fprintln(w, "  No deliveries found")
			return nil
		}
		for _, d := range list.Deliveries {
			fmt.Fprintf(w, "  %s  %-11s  attempts=%d  %s  %s\n", d.ID, d.Status, d.Attempts, d.EventType, d.CreatedAt.Format(timeLayout))
		}
		return nil
	},
}

var deliveryStatsCmd = &cobra.Command{
	Use:   "stats [subscription-id]",
	Short: "Show delivery counts for a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var st delivery.Stats
		if err := newClient().do(ctx, "GET", "/v1/subscriptions/"+url.PathEscape(args[0])+"/stats", nil, &st); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), st)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Subscription %s:\n", st.SubscriptionID)
		fmt.Fprintf(w, "  Total: %d\n", st.Total)
		fmt.Fprintf(w, "  Pending: %d\n", st.Pending)
		fmt.Fprintf(w, "  In progress: %d\n", st.InProgress)
		fmt.Fprintf(w, "  Delivered: %d\n", st.Delivered)
		fmt.Fprintf(w, "  Failed: %d\n", st.Failed)
		fmt.Fprintf(w, "  Success rate: %.1f%%\n", st.SuccessRate)
		return nil
	},
}

func printDelivery(w io.Writer, d delivery.Delivery) {
	fmt.Fprintf(w, "Delivery %s:\n", d.ID)
	fmt.Fprintf(w, "  Subscription: %s\n", d.SubscriptionID)
	fmt.Fprintf(w, "  Event type: %s\n", d.EventType)
	fmt.Fprintf(w, "  Status: %s\n", d.Status)
	fmt.Fprintf(w, "  Attempts: %d\n", d.Attempts)
	fmt.Fprintf(w, "  Created: %s\n", d.CreatedAt.Format(timeLayout))
	if d.NextAttemptAt != nil {
		fmt.Fprintf(w, "  Next attempt: %s\n", d.NextAttemptAt.Format(timeLayout))
	}
}

func printAttempt(w io.Writer, a delivery.Attempt) {
	fmt.Fprintf(w, "\n  Attempt %d (%s):\n", a.Sequence, a.Outcome)
	fmt.Fprintf(w, "    At: %s\n", a.AttemptedAt.Format(timeLayout))
	if a.Classification != delivery.ClassNone {
		fmt.Fprintf(w, "    Class: %s\n", a.Classification)
	}
	if a.StatusCode != nil {
		fmt.Fprintf(w, "    HTTP status: %d\n", *a.StatusCode)
	}
	if a.Error != nil {
		fmt.Fprintf(w, "    Error: %s\n", *a.Error)
	}
	if a.ResponseExcerpt != nil && *a.ResponseExcerpt != "" {
		fmt.Fprintf(w, "    Response: %s\n", *a.ResponseExcerpt)
	}
	fmt.Fprintf(w, "    Duration: %s\n", a.Duration)
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(deliveryGetCmd)
	deliveryCmd.AddCommand(deliveryHistoryCmd)
	deliveryCmd.AddCommand(deliveryListCmd)
	deliveryCmd.AddCommand(deliveryStatsCmd)

	deliveryListCmd.Flags().Int("limit", 20, "maximum number of results")
	deliveryListCmd.Flags().Int("offset", 0, "number of results to skip")
}
