package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"barista/internal/banner"
	"barista/internal/report"
)

var (
	debug bool

	// started approximates the process start for the dummy server
	started = time.Now()
)

var rootCmd = &cobra.Command{
	Use:   "barista",
	Short: "Barista - Microservice Benchmarking Harness",
	Long: `
Barista launches a microservice, measures its startup, warms it up and
load tests it for throughput and latency while sampling its memory and CPU.

Commands:
1. run:     benchmark an application described by a JSON or YAML config
2. history: list previous runs, or show one
3. dummy:   start a small HTTP server to benchmark against`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(debug)
	},
}

func Execute() {
	// Custom Help with Banner
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		fmt.Println(banner.GetString())
		cmd.Usage()
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, report.Error.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Show debug logs")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(dummyCmd)
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
