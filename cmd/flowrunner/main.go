package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	_ "github.com/drblury/flowrunner/transport/transports"
)

var longHelp = strings.TrimSpace(`
Run integration receivers under a crash-recovery aware transaction manager.

Receivers take work from a broker topic, a SQL queue or a watched directory
and hand every message to a pipeline. The transaction manager records its uid
and shutdown status so a recovery scanner can pick up after a crash.
`)

var exampleUsage = strings.TrimSpace(`
  flowrunner run --config flowrunner.toml
  flowrunner validate --config flowrunner.toml
  flowrunner tm status --dir /var/lib/flowrunner/tm
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func newLogger(level string, console bool) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("log level: %w", err)
	}
	if console {
		out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger(), nil
}

func newRootCommand() *cobra.Command {
	var (
		logLevel   string
		logConsole bool
	)

	root := &cobra.Command{
		Use:           "flowrunner",
		Short:         "Run integration receivers with transactional processing",
		Long:          longHelp,
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&logConsole, "log-console", true, "human readable log output instead of JSON")

	logger := func() (zerolog.Logger, error) { return newLogger(logLevel, logConsole) }

	root.AddCommand(newRunCommand(logger))
	root.AddCommand(newValidateCommand())
	root.AddCommand(newTMCommand())
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
