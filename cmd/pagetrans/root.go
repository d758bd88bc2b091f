package main

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"page-translator/internal/config"
	"page-translator/internal/logger"
)

// cli holds what every subcommand shares.
type cli struct {
	configPath string
	verbose    bool
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	cmd := &cobra.Command{
		Use:   "pagetrans",
		Short: "Translate the text of PDF pages in place",
		Long: `pagetrans renders every page of a PDF, detects its text lines with a
vision-language model, translates each line and draws the translation onto
the page, then reassembles the pages into a new PDF.

Pages that fail at any stage are kept unchanged.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()
			return c.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Close()
		},
	}

	cmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Config file (default: user config dir)")
	cmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Log debug output to the console")

	cmd.AddCommand(newTranslateCmd(c))
	cmd.AddCommand(newBatchCmd(c))
	cmd.AddCommand(newAssembleCmd(c))
	cmd.AddCommand(newServeCmd(c))
	cmd.AddCommand(newWorkerCmd(c))
	cmd.AddCommand(newEnqueueCmd(c))
	cmd.AddCommand(newExportCmd(c))
	cmd.AddCommand(newRunsCmd(c))
	cmd.AddCommand(newCleanupCmd(c))

	return cmd
}

// load reads the configuration and sets up logging.
func (c *cli) load() error {
	// console logging while the config itself is read
	lc := logger.DefaultConfig()
	lc.LogFilePath = ""
	lc.EnableConsole = true
	lc.Level = logger.LevelWarn
	if err := logger.Init(lc); err != nil {
		return err
	}

	m, err := config.NewConfigManager(c.configPath)
	if err != nil {
		return err
	}
	if err := m.Load(); err != nil {
		return err
	}
	c.cfg = m.Config()

	lc = logger.DefaultConfig()
	lc.LogFilePath = c.cfg.LogFile
	lc.EnableConsole = true
	lc.Level = logger.ParseLevel(c.cfg.LogLevel)
	if c.verbose {
		lc.Level = logger.LevelDebug
	}
	return logger.Init(lc)
}
