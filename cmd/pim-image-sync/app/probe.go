package app

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg" // decode optimized payloads

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Father1993/PIM-Image-Management/internal/imgproxy"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Transform one image through imgproxy and report the result",
	Long: `Transform one source URL with the fixed profile and report the size, dimensions and
content type of the optimized image. Nothing is written to the bucket or the PIM.`,
	RunE: runProbe,
}

func init() {
	addConfigFlags(probeCmd)
	probeCmd.Flags().String("url", "", "Source image URL (required)")
	if err := probeCmd.MarkFlagRequired("url"); err != nil {
		panic(err)
	}
}

func runProbe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	sourceURL, _ := cmd.Flags().GetString("url")

	client, err := imgproxy.NewClientFromConfig(&cfg.Imgproxy, nil)
	if err != nil {
		return err
	}

	target := sourceURL
	if cfg.Imgproxy.ProbeSource {
		target, err = client.Probe(ctx, sourceURL)
		if err != nil {
			return fmt.Errorf("source check failed: %w", err)
		}
	}

	blob, err := client.Fetch(ctx, target)
	if err != nil {
		return fmt.Errorf("transform failed: %w", err)
	}
	dims, _, err := image.DecodeConfig(bytes.NewReader(blob.Data))
	if err != nil {
		return fmt.Errorf("failed to decode optimized image: %w", err)
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle("Probe")
	tw.AppendRows([]table.Row{
		{"source", target},
		{"content type", blob.ContentType},
		{"bytes", len(blob.Data)},
		{"dimensions", fmt.Sprintf("%dx%d", dims.Width, dims.Height)},
	})
	_, err = fmt.Fprintln(cmd.OutOrStdout(), tw.Render())
	return err
}
