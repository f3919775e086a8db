package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shineum/newsletter/internal/provider/stdout"
	"github.com/shineum/newsletter/internal/sink"
)

type sinkOptions struct {
	listen   string
	hostname string
	username string
	password string
}

func newSinkCmd(root *rootOptions) *cobra.Command {
	opts := &sinkOptions{}

	cmd := &cobra.Command{
		Use:   "sink",
		Short: "Run a local SMTP server that prints every mail it receives",
		Long: `sink accepts SMTP on a local address and prints each received mail,
with envelope-only recipients shown as Bcc. Point a run at it to rehearse:

  newsletter sink &
  newsletter --smtp-host 127.0.0.1 --smtp-port 2525 --sleep 0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			level := cfg.Logging.Level
			if root.overrides.Logging.Level != "" {
				level = root.overrides.Logging.Level
			}
			setupLogger(cmd.ErrOrStderr(), level)

			server := sink.New(sink.ServerConfig{
				ListenAddr: opts.listen,
				Hostname:   opts.hostname,
				Provider:   stdout.NewWithWriter(cmd.OutOrStdout(), true),
				Username:   opts.username,
				Password:   opts.password,
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			defer signal.Stop(sigCh)

			go func() {
				select {
				case sig := <-sigCh:
					slog.Info("received signal, initiating shutdown", "signal", sig)
					cancel()
				case <-ctx.Done():
				}
			}()

			return server.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&opts.listen, "listen", "127.0.0.1:2525", "address to accept SMTP on")
	cmd.Flags().StringVar(&opts.hostname, "hostname", "localhost", "hostname announced to clients")
	cmd.Flags().StringVar(&opts.username, "username", "", "require AUTH PLAIN with this username")
	cmd.Flags().StringVar(&opts.password, "password", "", "password for --username")
	return cmd
}
