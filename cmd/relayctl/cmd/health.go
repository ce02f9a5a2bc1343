package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_relay/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the ingest service",
	Long: `Check the ingest service over HTTP (/healthz), or over the standard gRPC
health protocol with --grpc.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		grpcAddr, _ := cmd.Flags().GetString("grpc")
		w := cmd.OutOrStdout()

		if grpcAddr != "" {
			status, err := grpcHealth(grpcAddr)
			if err != nil {
				return fmt.Errorf("gRPC health check failed: %w", err)
			}
			if outputJSON {
				return printJSON(w, map[string]string{"status": status.String()})
			}
			if status == healthpb.HealthCheckResponse_SERVING {
				fmt.Fprintln(w, "✓ Service is healthy (gRPC)")
			} else {
				fmt.Fprintf(w, "✗ Service is %s (gRPC)\n", status)
			}
			return nil
		}

		ctx, cancel := requestContext()
		defer cancel()

		var st health.Status
		err := newClient().do(ctx, "GET", "/healthz", nil, &st)
		if apiErr, ok := err.(*apiError); ok {
			fmt.Fprintf(w, "✗ Service is unhealthy (HTTP %d): %s\n", apiErr.Status, apiErr.Message)
			return nil
		}
		if err != nil {
			return fmt.Errorf("HTTP health check failed: %w", err)
		}
		if outputJSON {
			return printJSON(w, st)
		}
		fmt.Fprintln(w, "✓ Service is healthy (HTTP)")
		for name, ok := range st.Checks {
			fmt.Fprintf(w, "  %s: %v\n", name, ok)
		}
		return nil
	},
}

func grpcHealth(addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().String("grpc", "", "check the gRPC health service at host:port instead of HTTP")
}
