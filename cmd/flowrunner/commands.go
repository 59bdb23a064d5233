package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	runtimepkg "github.com/drblury/flowrunner/internal/runtime"
	configpkg "github.com/drblury/flowrunner/internal/runtime/config"
	"github.com/drblury/flowrunner/internal/runtime/listener"
	loggingpkg "github.com/drblury/flowrunner/internal/runtime/logging"
	"github.com/drblury/flowrunner/internal/runtime/receiver"
	"github.com/drblury/flowrunner/internal/runtime/txn"
)

// runOverrides are the run flags that take precedence over the file config
// when they are set explicitly.
type runOverrides struct {
	pubsub    string
	metrics   bool
	statusAPI bool
}

func (o runOverrides) apply(cfg *configpkg.Config, flags *pflag.FlagSet) {
	changed := map[string]bool{}
	flags.Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	if changed["pubsub"] {
		cfg.PubSubSystem = o.pubsub
	}
	if changed["metrics"] {
		cfg.MetricsEnabled = o.metrics
	}
	if changed["status-api"] {
		cfg.StatusAPIEnabled = o.statusAPI
	}
}

func loadConfig(path string, overrides ...func(*configpkg.Config)) (*configpkg.Config, error) {
	if path == "" {
		return nil, errors.New("--config is required")
	}
	cfg, err := configpkg.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	for _, override := range overrides {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loggingPipeline logs every message and replies with its payload. It lets a
// configuration be run end to end before real pipelines are wired in.
func loggingPipeline(log loggingpkg.ServiceLogger) receiver.Pipeline {
	return receiver.PipelineFunc(func(_ context.Context, cid string, msg *listener.RawMessage) (receiver.PipelineResult, error) {
		log.Info("Message received", loggingpkg.LogFields{
			"correlation_id": cid,
			"message_id":     msg.ID,
			"bytes":          len(msg.Payload),
			"delivery_count": msg.DeliveryCount,
		})
		return receiver.PipelineResult{Payload: msg.Payload}, nil
	})
}

func newRunCommand(newLogger func() (zerolog.Logger, error)) *cobra.Command {
	var (
		cfgPath   string
		overrides runOverrides
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the configured receivers and block until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			zl, err := newLogger()
			if err != nil {
				return err
			}
			log := loggingpkg.NewZerologServiceLogger(zl)

			cfg, err := loadConfig(cfgPath, func(c *configpkg.Config) { overrides.apply(c, cmd.Flags()) })
			if err != nil {
				return err
			}

			svc, err := runtimepkg.NewService(cfg, log, runtimepkg.ServiceDependencies{
				Hooks: receiver.LoggingHooks(log),
			})
			if err != nil {
				return fmt.Errorf("create service: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pipeline := loggingPipeline(log)
			for _, rc := range cfg.Receivers {
				if _, err := svc.AddReceiver(ctx, rc, pipeline); err != nil {
					return err
				}
			}

			log.Info("Starting flowrunner", loggingpkg.LogFields{"receivers": len(cfg.Receivers)})
			return svc.Start(ctx)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to the TOML configuration")
	cmd.Flags().StringVar(&overrides.pubsub, "pubsub", "", "override pubsub_system from the config file")
	cmd.Flags().BoolVar(&overrides.metrics, "metrics", false, "serve Prometheus metrics")
	cmd.Flags().BoolVar(&overrides.statusAPI, "status-api", false, "serve the status API")
	return cmd
}

func newValidateCommand() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file without starting anything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %d receiver(s), pubsub %q\n", len(cfg.Receivers), cfg.PubSubSystem)
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to the TOML configuration")
	return cmd
}

func newTMCommand() *cobra.Command {
	tm := &cobra.Command{
		Use:   "tm",
		Short: "Inspect the transaction manager files",
	}

	var files configpkg.TransactionManagerConfig
	status := &cobra.Command{
		Use:   "status",
		Short: "Print the recorded uid and shutdown status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if files.Dir == "" && (files.StatusFile == "" || files.UIDFile == "") {
				return errors.New("--dir or both --status-file and --uid-file are required")
			}
			uid, uidFound, err := txn.ReadToken(files.UIDFilePath())
			if err != nil {
				return err
			}
			st, statusFound, err := txn.ReadStatusFile(files.StatusFilePath())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !uidFound {
				uid = "<none>"
			}
			if !statusFound {
				st = "<none>"
			}
			fmt.Fprintf(out, "uid:    %s\n", uid)
			fmt.Fprintf(out, "status: %s\n", st)
			if st == txn.StatusActive || st == txn.StatusPending {
				fmt.Fprintln(out, "recovery: required")
			}
			return nil
		},
	}
	status.Flags().StringVar(&files.Dir, "dir", "", "directory holding the tm files")
	status.Flags().StringVar(&files.StatusFile, "status-file", "", "status file path (overrides --dir)")
	status.Flags().StringVar(&files.UIDFile, "uid-file", "", "uid file path (overrides --dir)")

	tm.AddCommand(status)
	return tm
}
