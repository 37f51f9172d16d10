package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"barista/internal/banner"
	"barista/internal/benchmark"
	"barista/internal/config"
	"barista/internal/report"
	"barista/internal/storage"
)

// DefaultConfigName is looked up in the benchmark directory when --config
// is not given.
const DefaultConfigName = "default.barista.json"

var cfgFile string

// flagKeys maps run flags to config keys.
var flagKeys = map[string]string{
	"java-home":                           "java_home",
	"mode":                                "mode",
	"app-executable":                      "app_executable",
	"endpoint":                            "endpoint",
	"output":                              "output",
	"threads":                             "load_testing.threads",
	"connections":                         "load_testing.connections",
	"lua-script":                          "load_testing.lua_script",
	"load-generator":                      "load_generator",
	"resource-usage-polling-interval":     "resource_usage_polling_interval",
	"cmd-app-prefix-init-timeout":         "cmd_app_prefix_init_timeout",
	"startup-iteration-count":             "load_testing.startup.iterations",
	"startup-request-count":               "load_testing.startup.requests",
	"startup-timeout":                     "load_testing.startup.timeout",
	"startup-cmd-app-prefix-init-timeout": "load_testing.startup.cmd_app_prefix_init_timeout",
}

// commandKeys are flags holding a command line, split on whitespace.
var commandKeys = map[string]string{
	"cmd-app-prefix":         "cmd_app_prefix",
	"startup-cmd-app-prefix": "load_testing.startup.cmd_app_prefix",
	"vm-options":             "vm_options",
	"app-args":               "app_args",
}

var runCmd = &cobra.Command{
	Use:   "run <benchmark>",
	Short: "Benchmark an application",
	Long: `Benchmark an application: startup, warmup, throughput and latency.

The configuration is read from --config, or from <benchmark>/` + DefaultConfigName + `
when that file exists. Flags and BARISTA_* environment variables override it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v := config.NewViper()
		if err := bindFlags(v, cmd.Flags()); err != nil {
			return err
		}
		v.Set("benchmark", filepath.Base(args[0]))

		cfg, err := config.Load(v, resolveConfig(args[0], cfgFile))
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Println(banner.GetString())
		runDir, err := cfg.CreateRunDir(time.Now())
		if err != nil {
			return err
		}

		var history benchmark.History
		store, err := storage.NewStore()
		if err != nil {
			slog.Warn("run history unavailable", "error", err)
		} else {
			defer store.Close()
			history = store
		}

		res, err := benchmark.New(cfg, runDir, os.Args, os.Stdout, history).Run(ctx)
		if err != nil {
			return err
		}
		fmt.Println(report.Render(res))
		fmt.Println(report.Success.Render("Results saved in " + runDir))
		return nil
	},
}

func init() {
	addRunFlags(runCmd.Flags())
}

func addRunFlags(f *pflag.FlagSet) {
	f.StringVarP(&cfgFile, "config", "c", "", "Path to the JSON or YAML configuration (default <benchmark>/"+DefaultConfigName+")")
	f.StringP("java-home", "j", "", "Path to the JVM distribution, JAVA_HOME if unset")
	f.StringP("mode", "m", "", "Execution mode of the app: jvm or native")
	f.StringP("app-executable", "x", "", "Path to the application executable")
	f.StringP("endpoint", "e", "", "Endpoint of the application to load")
	f.StringP("output", "o", "", "Directory in which a timestamped run directory is created")
	f.IntP("threads", "t", 0, "Threads used by the load generator, overridable per phase")
	f.IntP("connections", "k", 0, "Connections kept open by the load generator, overridable per phase")
	f.StringSliceP("lua-script", "s", nil, "Lua scripts executed by wrk/wrk2")
	f.StringP("load-generator", "g", "", "Load generator: wrk or builtin")
	f.Float64("resource-usage-polling-interval", 0, "Seconds between resource usage polls, 0 disables polling")
	f.StringP("cmd-app-prefix", "p", "", "Command prefixed to the application command")
	f.Float64("cmd-app-prefix-init-timeout", 0, "Seconds to wait for the application behind the prefix")
	f.StringP("vm-options", "v", "", "Options propagated to the virtual machine")
	f.StringP("app-args", "a", "", "Arguments propagated to the application")
	f.Int("startup-iteration-count", 0, "Number of startup iterations")
	f.Int("startup-request-count", 0, "Requests timed in each startup iteration")
	f.Float64("startup-timeout", 0, "Seconds without a response after which the app is unresponsive, 0 waits forever")
	f.String("startup-cmd-app-prefix", "", "Command prefixed to the application command during startup")
	f.Float64("startup-cmd-app-prefix-init-timeout", 0, "Seconds to wait for the application behind the startup prefix")
}

// bindFlags binds the flags set on the command line to v, leaving the
// others to the config file and defaults.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			if bindErr := v.BindPFlag(key, f); bindErr != nil && err == nil {
				err = bindErr
			}
			return
		}
		if key, ok := commandKeys[f.Name]; ok {
			v.Set(key, strings.Fields(f.Value.String()))
		}
	})
	return err
}

// resolveConfig returns path, or the default config of the benchmark
// directory if it exists, or "" to load from flags and environment only.
func resolveConfig(benchmark, path string) string {
	if path != "" {
		return path
	}
	candidate := filepath.Join(benchmark, DefaultConfigName)
	if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
		return candidate
	}
	return ""
}
