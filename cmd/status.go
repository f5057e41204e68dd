/*
Copyright © 2025 ALESSIO TONIOLO
*/
package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const clientCommandTimeout = 10 * time.Second

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check /api/health of a running gateway",
	Long: `Query /api/health and print healthy or unhealthy.

Exits with status 1 when the gateway is unhealthy or unreachable, so it can be
used directly as a container or systemd health check.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), clientCommandTimeout)
		defer cancel()

		healthy, err := newClient().Health(ctx)
		if err != nil {
			log.Fatalf("Failed to reach gateway: %v", err)
		}
		if !healthy {
			fmt.Println("unhealthy")
			os.Exit(1)
		}
		fmt.Println("healthy")
	},
}

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show slot generation, health counters and request stats",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), clientCommandTimeout)
		defer cancel()

		status, err := newClient().Status(ctx)
		if err != nil {
			log.Fatalf("Failed to get status: %v", err)
		}

		healthy := "yes"
		if !status.Health.Healthy {
			healthy = "NO"
		}
		fmt.Printf("Backend:          %s\n", status.Backend)
		fmt.Printf("Started:          %s\n", humanize.Time(status.StartedAt))
		fmt.Printf("Request timeout:  %.1fs\n", status.RequestTimeout)
		fmt.Printf("Slot generation:  %d (%s)\n", status.Generation, status.State)
		fmt.Printf("Healthy:          %s (%d/%d failures)\n", healthy, status.Health.Failures, status.Health.Tolerable)
		fmt.Println()
		fmt.Printf("Requests:         %s\n", humanize.Comma(status.Stats.Requests))
		fmt.Printf("  completed:      %s\n", humanize.Comma(status.Stats.Completed))
		fmt.Printf("  timed out:      %s\n", humanize.Comma(status.Stats.Timeouts))
		fmt.Printf("  backend errors: %s\n", humanize.Comma(status.Stats.BackendFailures))
		fmt.Printf("  rejected:       %s\n", humanize.Comma(status.Stats.Rejected))
		fmt.Printf("Resubmissions:    %s\n", humanize.Comma(status.Stats.Resubmissions))
		fmt.Printf("Replacements:     %s\n", humanize.Comma(status.Stats.Replacements))
		fmt.Printf("Abandoned calls:  %s\n", humanize.Comma(status.Stats.AbandonedCalls))
	},
}

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Show recent requests recorded by the gateway",
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")

		ctx, cancel := context.WithTimeout(context.Background(), clientCommandTimeout)
		defer cancel()

		resp, err := newClient().Monitor(ctx, limit)
		if err != nil {
			log.Fatalf("Failed to get monitor data: %v", err)
		}

		s := resp.Summary
		fmt.Printf("Requests: %d (%d prompts)  completed: %d  timeouts: %d  backend failures: %d\n",
			s.Requests, s.Prompts, s.Completed, s.Timeouts, s.BackendFailure)
		fmt.Printf("Avg model time: %.2fs  avg gateway time: %.2fs  max gateway time: %.2fs\n\n",
			s.AvgModelTime, s.AvgGatewayTime, s.MaxGatewayTime)

		if len(resp.Recent) == 0 {
			fmt.Println("No requests recorded yet.")
			return
		}
		fmt.Printf("%-16s %-16s %-4s %-5s %-8s %-8s %s\n", "WHEN", "OUTCOME", "GEN", "COUNT", "MODEL", "TOTAL", "PROMPT")
		for _, e := range resp.Recent {
			fmt.Printf("%-16s %-16s %-4d %-5d %-8.2f %-8.2f %s\n",
				humanize.Time(e.CreatedAt), e.Outcome, e.Generation, e.RequestCount, e.ModelTime, e.GatewayTime, truncatePrompt(e.Prompt, 48))
		}
	},
}

func truncatePrompt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(monitorCmd)

	monitorCmd.Flags().Int("limit", 20, "number of recent requests to show")
}
