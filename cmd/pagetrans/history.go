package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"page-translator/internal/errors"
	"page-translator/internal/export"
	"page-translator/internal/raster"
	"page-translator/internal/results"
	"page-translator/internal/types"
)

func newExportCmd(c *cli) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "export <detections.parquet>",
		Short: "Print an exported detection file as YAML or JSON",
		Long: `Reads the Parquet file written by a run with --export-detections
(<output>/<name>/<name>_detections.parquet) and prints its rows.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := export.ReadParquet(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch format {
			case "yaml":
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(rows)
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			default:
				return types.NewAppErrorWithDetails(types.ErrInvalidInput, "unknown format", format, nil)
			}
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "Output format: yaml or json")
	return cmd
}

func newRunsCmd(c *cli) *cobra.Command {
	var failures bool
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List past runs or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rm, err := results.NewResultManager("")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				info, err := rm.LoadRun(args[0])
				if err != nil {
					return types.NewAppErrorWithDetails(types.ErrFileNotFound, "run not found", args[0], err)
				}
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(info)
			}

			if failures {
				em, err := errors.NewErrorManager("")
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tDOCUMENT\tPAGE\tSTAGE\tERROR")
				for _, r := range em.ListErrors() {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.RunID, r.Document, r.Page, errors.GetStageDisplayName(r.Stage), r.ErrorMsg)
				}
				return tw.Flush()
			}

			runs, err := rm.ListRuns()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tDOCUMENT\tSTATUS\tPAGES\tTRANSLATED\tSTARTED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
					r.RunID, r.Document, r.Status, r.Pages, r.Translated, r.StartedAt.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&failures, "failures", false, "List recorded page failures instead")
	return cmd
}

func newCleanupCmd(c *cli) *cobra.Command {
	var clearErrors bool
	cmd := &cobra.Command{
		Use:   "cleanup <name>...",
		Short: "Remove the working page images of documents",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !clearErrors {
				return fmt.Errorf("requires a document name or --errors")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range args {
				dir := c.cfg.ImageDir(raster.DocumentName(name))
				if err := raster.Cleanup(dir); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", dir)
			}
			if clearErrors {
				em, err := errors.NewErrorManager("")
				if err != nil {
					return err
				}
				if err := em.ClearAll(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "page failure log cleared")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&clearErrors, "errors", false, "Also clear the page failure log")
	return cmd
}
