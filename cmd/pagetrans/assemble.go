package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"page-translator/internal/assemble"
	"page-translator/internal/types"
	"page-translator/internal/vision"
)

func newAssembleCmd(c *cli) *cobra.Command {
	var output string
	var a4 bool
	cmd := &cobra.Command{
		Use:   "assemble <dir>",
		Short: "Combine the images of a directory into one PDF",
		Long: `Combines every png, jpg, jpeg and webp image in a directory into a PDF,
in natural order (page_2 before page_10). Each page takes the size of its
image unless --a4 is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			entries, err := os.ReadDir(dir)
			if err != nil {
				return types.NewAppErrorWithDetails(types.ErrFileNotFound, "cannot read image directory", dir, err)
			}
			var images []string
			for _, e := range entries {
				if !e.IsDir() && vision.IsSupported(e.Name()) {
					images = append(images, filepath.Join(dir, e.Name()))
				}
			}
			if len(images) == 0 {
				return types.NewAppErrorWithDetails(types.ErrInvalidInput, "no images found", dir, nil)
			}

			if output == "" {
				output = filepath.Join(dir, filepath.Base(filepath.Clean(dir))+".pdf")
			}
			a := assemble.New()
			if a4 {
				size := assemble.A4
				a.PageSize = &size
			}
			out, err := a.Assemble(images, output)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d page(s) written to %s\n", len(images), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output PDF (default <dir>/<dir>.pdf)")
	cmd.Flags().BoolVar(&a4, "a4", false, "Fit every page to A4")
	return cmd
}
