/*
Copyright © 2025 ALESSIO TONIOLO

benchmark.go runs a closed-loop load test against a gateway: every simulated
user sends the next request as soon as the previous one returns.
*/
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/atoniolo76/dreamgate/pkg/benchmark"
)

// benchmarkCmd represents the benchmark command
var benchmarkCmd = &cobra.Command{
	Use:   "benchmark",
	Short: "Load test a running gateway",
	Long: `Simulate concurrent users calling /api/predict and report latency
percentiles, timeouts and rejections.

Examples:
  # 8 users for one minute
  dreamgate benchmark --users 8 --duration 1m

  # exactly 200 requests, high quality, JSON report
  dreamgate benchmark --users 4 --requests 200 --high-quality --json`,
	Run: func(cmd *cobra.Command, args []string) {
		users, _ := cmd.Flags().GetInt("users")
		requests, _ := cmd.Flags().GetInt("requests")
		duration, _ := cmd.Flags().GetDuration("duration")
		prompt, _ := cmd.Flags().GetString("prompt")
		highQuality, _ := cmd.Flags().GetBool("high-quality")
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		asJSON, _ := cmd.Flags().GetBool("json")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		report, err := benchmark.Run(ctx, newClient(), benchmark.Config{
			Users:       users,
			Requests:    requests,
			Duration:    duration,
			Prompt:      prompt,
			HighQuality: highQuality,
			BatchSize:   batchSize,
			Logger:      loadLogger(),
		})
		if err != nil {
			log.Fatalf("Benchmark failed: %v", err)
		}

		if asJSON {
			out, _ := json.MarshalIndent(report, "", "  ")
			fmt.Println(string(out))
			return
		}
		fmt.Print(report.String())
	},
}

func init() {
	rootCmd.AddCommand(benchmarkCmd)

	benchmarkCmd.Flags().Int("users", 4, "concurrent simulated users")
	benchmarkCmd.Flags().Int("requests", 0, "total requests to send (0 = until --duration)")
	benchmarkCmd.Flags().Duration("duration", 0, "how long to run (0 = until --requests)")
	benchmarkCmd.Flags().String("prompt", benchmark.DefaultPrompt, "prompt sent by every user")
	benchmarkCmd.Flags().Bool("high-quality", false, "request the high quality step count")
	benchmarkCmd.Flags().Int("batch-size", 1, "prompts per request")
	benchmarkCmd.Flags().Bool("json", false, "print the report as JSON")
}
