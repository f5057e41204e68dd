/*
Copyright © 2025 ALESSIO TONIOLO
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/atoniolo76/dreamgate/pkg/api"
	"github.com/atoniolo76/dreamgate/pkg/backend"
	"github.com/atoniolo76/dreamgate/pkg/client"
	"github.com/atoniolo76/dreamgate/pkg/config"
)

// predictCmd represents the predict command
var predictCmd = &cobra.Command{
	Use:   "predict PROMPT [PROMPT...]",
	Short: "Generate images for one or more prompts and save them as PNG",
	Long: `Send the prompts as one batch to /api/predict and write each returned image
to the output directory as <index>.png.

The first prompt decides the quality for the whole batch.

Examples:
  dreamgate predict "A purple cloud with Lightning"
  dreamgate predict --high-quality --out ./dreams "a red fox" "a blue owl"`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		highQuality, _ := cmd.Flags().GetBool("high-quality")
		outDir, _ := cmd.Flags().GetString("out")
		single, _ := cmd.Flags().GetBool("single")

		if single && len(args) > 1 {
			log.Fatal("--single accepts exactly one prompt")
		}

		ctx, cancel := context.WithTimeout(context.Background(), config.DefaultClientTimeout)
		defer cancel()

		c := newClient()
		var (
			artifacts []string
			err       error
		)
		if single {
			artifacts, err = c.PredictSingle(ctx, api.Dream(args[0], highQuality))
		} else {
			batch := make([]api.SingleRequest, len(args))
			for i, prompt := range args {
				batch[i] = api.Dream(prompt, highQuality)
			}
			artifacts, err = c.Predict(ctx, batch)
		}
		if errors.Is(err, client.ErrTimedOut) {
			log.Fatalf("Request timed out; the gateway replaced its execution slot. Try again.")
		}
		if err != nil {
			log.Fatalf("Prediction failed: %v", err)
		}

		if err := os.MkdirAll(outDir, 0755); err != nil {
			log.Fatalf("Failed to create output directory: %v", err)
		}
		for i, artifact := range artifacts {
			png, err := backend.DecodeDataURI(artifact)
			if err != nil {
				log.Fatalf("Image %d is not a valid data URI: %v", i, err)
			}
			path := filepath.Join(outDir, fmt.Sprintf("%d.png", i))
			if err := os.WriteFile(path, png, 0644); err != nil {
				log.Fatalf("Failed to write %s: %v", path, err)
			}
			prompt := args[0]
			if i < len(args) {
				prompt = args[i]
			}
			fmt.Printf("%s  %-8s  %s\n", path, humanize.Bytes(uint64(len(png))), prompt)
		}
	},
}

func init() {
	rootCmd.AddCommand(predictCmd)

	predictCmd.Flags().Bool("high-quality", false, "use the high quality step count")
	predictCmd.Flags().String("out", ".", "directory for the PNG files")
	predictCmd.Flags().Bool("single", false, "send the legacy single-prompt body instead of a batch")
}
