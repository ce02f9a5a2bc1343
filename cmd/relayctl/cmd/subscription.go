package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

// subscriptionCmd represents the subscription command
var subscriptionCmd = &cobra.Command{
	Use:   "subscription",
	Short: "Subscription cache maintenance",
	Long:  `Subscriptions are owned by the subscription service; relayctl only tells the relay to forget cached copies.`,
}

type invalidateResult struct {
	SubscriptionID string `json:"subscription_id"`
	Change         string `json:"change"`
	Published      bool   `json:"published"`
}

var subscriptionInvalidateCmd = &cobra.Command{
	Use:   "invalidate [subscription-id]",
	Short: "Drop cached copies of a subscription",
	Long: `Invalidate the relay's cached copy of a subscription and notify workers.

Example:
  relayctl subscription invalidate sub-orders --change deactivated`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		change, _ := cmd.Flags().GetString("change")

		ctx, cancel := requestContext()
		defer cancel()

		var res invalidateResult
		path := "/v1/subscriptions/" + url.PathEscape(args[0]) + "/invalidate"
		if err := newClient().do(ctx, "POST", path, map[string]string{"change": change}, &res); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), res)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Invalidated %s (%s)", res.SubscriptionID, res.Change)
		if res.Published {
			fmt.Fprint(cmd.OutOrStdout(), ", workers notified")
		}
		fmt.Fprintln(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(subscriptionCmd)
	subscriptionCmd.AddCommand(subscriptionInvalidateCmd)

	subscriptionInvalidateCmd.Flags().String("change", "updated", "change kind: updated, deactivated or deleted")
}
