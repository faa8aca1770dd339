package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vango-dev/scenesync/internal/config"
	"github.com/vango-dev/scenesync/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const banner = `
  ┌─┐┌─┐┌─┐┌┐┌┌─┐┌─┐┬ ┬┌┐┌┌─┐
  └─┐│  ├┤ │││├┤ └─┐└┬┘││││
  └─┘└─┘└─┘┘└┘└─┘└─┘ ┴ ┘└┘└─┘
`

// globals holds the persistent flags.
type globals struct {
	configPath string
	logLevel   string
	noColor    bool
}

func main() {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:   "scenesync",
		Short: "Keep an object graph in sync across hosts",
		Long: `scenesync replicates a shared scene graph between up to 24 hosts.

Every host keeps its own handle table; the synchronizer reconciles
handles as objects arrive, so peers can create objects concurrently.
Streams can be recorded, stored and replayed later.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if g.noColor {
				errors.DisableColors()
			}
			level, err := parseLevel(g.logLevel)
			if err != nil {
				return err
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to scenesync.json (default: search from the working directory)")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&g.noColor, "no-color", false, "Disable colored diagnostics")

	rootCmd.AddCommand(
		serveCmd(g),
		joinCmd(g),
		dumpCmd(g),
		replayCmd(g),
		recordingsCmd(g),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		errors.PrintError(os.Stderr, errors.Classify(err, "S300"))
		os.Exit(1)
	}
}

// loadConfig reads --config, or searches upward from the working directory.
func (g *globals) loadConfig() (*config.Config, error) {
	if g.configPath != "" {
		return config.LoadFile(g.configPath)
	}
	return config.LoadFromWorkingDir()
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, errors.New("S300").WithDetail(fmt.Sprintf("unknown log level %q", s))
	}
	return level, nil
}

// printBanner prints the ASCII art banner.
func printBanner() {
	fmt.Print(banner)
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}

// warn prints a warning message.
func warn(format string, args ...any) {
	fmt.Printf("\033[33m⚠\033[0m %s\n", fmt.Sprintf(format, args...))
}
