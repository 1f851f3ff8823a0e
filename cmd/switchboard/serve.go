package main

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/switchboard/pkg/config"
	"github.com/go-go-golems/switchboard/pkg/server"
)

func newServeCommand() *cobra.Command {
	var (
		addr string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and start the configured sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(envFile, cmd.Flags().Changed("env-file"))
			if err != nil {
				return err
			}
			if err := applyLogSettings(cmd, settings); err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				settings.Addr = addr
			}
			if cmd.Flags().Changed("port") {
				settings.Port = port
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			srv, err := server.New(ctx, settings)
			if err != nil {
				return errors.Wrap(err, "build server")
			}
			log.Info().
				Str("default_session", settings.DefaultSession).
				Str("credentials", settings.CredentialsBackend).
				Bool("redis", settings.Redis.Enabled).
				Bool("webhook", settings.WebhookURL != "").
				Msg("switchboard configured")
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides ADDR)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides PORT)")
	return cmd
}

// applyLogSettings lets LOG_LEVEL and LOG_FORMAT from the environment or the
// env file fill the logging flags that were not given on the command line,
// then reinitialises the logger.
func applyLogSettings(cmd *cobra.Command, settings config.Settings) error {
	flags := cmd.Flags()
	changed := false
	for name, value := range map[string]string{
		"log-level":  settings.LogLevel,
		"log-format": settings.LogFormat,
	} {
		if value == "" || flags.Lookup(name) == nil || flags.Changed(name) {
			continue
		}
		if err := flags.Set(name, value); err != nil {
			return errors.Wrapf(err, "apply %s", name)
		}
		changed = true
	}
	if !changed {
		return nil
	}
	return logging.InitLoggerFromCobra(cmd)
}
