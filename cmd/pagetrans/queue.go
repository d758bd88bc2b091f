package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"page-translator/internal/pipeline"
	"page-translator/internal/queue"
)

func newWorkerCmd(c *cli) *cobra.Command {
	var flags runFlags
	var workers int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued documents from Redis",
		Long: `Consumes document:translate tasks from the Redis queue named by the
configuration (REDIS_URL, PAGETRANS_QUEUE) and translates each document.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.apply(cmd, c.cfg)
			svc, err := pipeline.NewServiceFromConfig(cmd.Context(), c.cfg, nil)
			if err != nil {
				return err
			}
			defer svc.Close()

			w, err := queue.NewWorker(queue.WorkerConfig{
				RedisURL:    c.cfg.RedisURL,
				QueueName:   c.cfg.QueueName,
				Concurrency: workers,
				Translator:  svc,
			})
			if err != nil {
				return err
			}
			return w.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 1, "Documents processed at once")
	flags.register(cmd)
	return cmd
}

func newEnqueueCmd(c *cli) *cobra.Command {
	var outputDir string
	cmd := &cobra.Command{
		Use:   "enqueue <pdf>...",
		Short: "Queue PDFs for a worker",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := queue.NewClient(c.cfg.RedisURL, c.cfg.QueueName)
			if err != nil {
				return err
			}
			defer client.Close()

			for _, doc := range args {
				// workers may run elsewhere; send absolute paths
				abs, err := filepath.Abs(doc)
				if err != nil {
					return err
				}
				p, err := client.Enqueue(cmd.Context(), abs, outputDir)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", p.JobID, abs)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Output directory on the worker (default from its config)")
	return cmd
}
