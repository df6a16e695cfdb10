package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"luxelink/server/config"
)

var (
	cfg        *config.Config
	logger     *logrus.Logger
	agentsFile string
)

var rootCmd = &cobra.Command{
	Use:          "luxelink",
	Short:        "Vehicle listing ingestion and matching engine",
	Long:         "Pulls listings from configured sources, deduplicates and scores them against each agent's criteria and alerts on new matches.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if agentsFile != "" {
			c.Ingest.AgentsFile = agentsFile
		}
		cfg = c
		logger = newLogger(cfg.Log.Level)
		return nil
	},
}

func newLogger(level string) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetOutput(os.Stdout)

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		l.WithField("level", level).Warn("Unknown log level, using info")
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)
	return l
}

func init() {
	rootCmd.PersistentFlags().StringVar(&agentsFile, "agents-file", "", "sources and agents YAML file (default from AGENTS_FILE)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
