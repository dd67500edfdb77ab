package main

import (
	"fmt"

	"github.com/snarg/coachline/internal/config"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var overrides config.Overrides

	rootCmd := &cobra.Command{
		Use:           "coachline",
		Short:         "Live interview transcript aggregation and answer coaching",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), overrides)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flags.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flags.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	flags.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL URL (overrides DATABASE_URL)")
	flags.StringVar(&overrides.MQTTBrokerURL, "mqtt-broker", "", "MQTT broker URL (overrides MQTT_BROKER_URL)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the coaching server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), overrides)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})

	return rootCmd
}
