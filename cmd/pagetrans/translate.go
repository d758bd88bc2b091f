package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"page-translator/internal/config"
	"page-translator/internal/pipeline"
	"page-translator/internal/types"
)

// runFlags are the per-run overrides shared by translate, batch and serve.
type runFlags struct {
	outputDir   string
	provider    string
	dpi         int
	concurrency int
	keep        bool
	export      bool
	resize      bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.outputDir, "output", "o", "", "Output directory (default from config)")
	cmd.Flags().StringVar(&f.provider, "provider", "", "Detection provider: openai, gemini or tesseract")
	cmd.Flags().IntVar(&f.dpi, "dpi", 0, "Rasterization DPI")
	cmd.Flags().IntVarP(&f.concurrency, "concurrency", "j", 0, "Pages annotated in parallel")
	cmd.Flags().BoolVar(&f.keep, "keep-intermediates", false, "Keep the rasterized page images")
	cmd.Flags().BoolVar(&f.export, "export-detections", false, "Write detected lines to a Parquet file")
	cmd.Flags().BoolVar(&f.resize, "resize", true, "Downscale pages to the detection frame before upload")
}

func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if f.outputDir != "" {
		cfg.OutputDirectory = f.outputDir
	}
	if f.provider != "" {
		cfg.Provider = f.provider
	}
	if f.dpi > 0 {
		cfg.DPI = f.dpi
	}
	if f.concurrency > 0 {
		cfg.Concurrency = f.concurrency
	}
	if cmd.Flags().Changed("keep-intermediates") {
		cfg.KeepIntermediates = f.keep
	}
	if cmd.Flags().Changed("export-detections") {
		cfg.ExportDetections = f.export
	}
	if cmd.Flags().Changed("resize") {
		cfg.ResizeBeforeUpload = f.resize
	}
}

// progressPrinter prints one line per status change.
func progressPrinter(w io.Writer) pipeline.StatusFunc {
	return func(s types.Status) {
		if s.Phase == types.PhaseError {
			return
		}
		if s.PagesTotal > 0 && s.Phase == types.PhaseTranslating {
			fmt.Fprintf(w, "[%3.0f%%] %s (%d/%d)\n", s.Progress*100, s.Message, s.PagesDone, s.PagesTotal)
			return
		}
		fmt.Fprintf(w, "[%3.0f%%] %s\n", s.Progress*100, s.Message)
	}
}

func printResult(w io.Writer, res types.DocumentResult) {
	fmt.Fprintf(w, "%s: %s\n", res.Document, res.Message)
	fmt.Fprintf(w, "  output:   %s\n", res.OutputPDF)
	fmt.Fprintf(w, "  run:      %s\n", res.RunID)
	fmt.Fprintf(w, "  duration: %s\n", res.Duration.Round(time.Millisecond))
	for _, f := range res.Failures {
		fmt.Fprintf(w, "  kept original %s (%s): %s\n", f.Page, f.Stage, f.Reason)
	}
}

func newTranslateCmd(c *cli) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "translate <pdf>",
		Short: "Translate one PDF",
		Example: `  # Translate into ./outputs/paper/paper_translated.pdf
  pagetrans translate paper.pdf

  # Use Gemini and four parallel pages
  pagetrans translate paper.pdf --provider gemini -j 4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.apply(cmd, c.cfg)
			svc, err := pipeline.NewServiceFromConfig(cmd.Context(), c.cfg, progressPrinter(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer svc.Close()

			res, err := svc.TranslateDocument(cmd.Context(), args[0], c.cfg.OutputDirectory)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newBatchCmd(c *cli) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "batch <dir>",
		Short: "Translate every PDF in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.apply(cmd, c.cfg)
			svc, err := pipeline.NewServiceFromConfig(cmd.Context(), c.cfg, progressPrinter(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer svc.Close()

			results, err := svc.BatchTranslate(cmd.Context(), args[0], c.cfg.OutputDirectory)
			for _, res := range results {
				printResult(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d document(s) translated\n", len(results))
			return err
		},
	}
	flags.register(cmd)
	return cmd
}
