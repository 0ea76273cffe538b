package main

import (
	"github.com/nixpig/queuefleet/internal/config"
	"github.com/spf13/cobra"
)

func rootCmd() *cobra.Command {
	var configPath string

	c := &cobra.Command{
		Use:   "queuefleet [flags] QUEUES...",
		Short: "Run one worker process per queue group and supervise the fleet",
		Long: "Each QUEUES argument is a comma separated group of queue names and gets\n" +
			"its own worker process. If any worker exits, every other worker is\n" +
			"stopped and queuefleet exits non-zero.",
		Example: "  queuefleet -m 10 critical,default low\n" +
			"  queuefleet --dryrun --queue-catalog queues.yml 'mailers,*'",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}

			if len(args) > 0 {
				cfg.Queues = args
			}

			return supervise(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	c.Flags().StringVarP(
		&configPath,
		"config",
		"c",
		"",
		"Path to a YAML config file (default $"+config.EnvConfigPath+")",
	)

	config.BindFlags(c.Flags())

	c.CompletionOptions.HiddenDefaultCmd = true

	return c
}
