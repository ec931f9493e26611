// Command condastore is the administrative CLI: it serves the API, encodes
// and decodes build keys, registers environments and runs single build
// actions against a local prefix.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/narvanalabs/condastore/internal/action"
	"github.com/narvanalabs/condastore/internal/conda"
	"github.com/narvanalabs/condastore/pkg/config"
	"github.com/narvanalabs/condastore/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "condastore",
	Short: "condastore administration CLI",
	Long: `condastore builds conda environments from specifications and serves their
artifacts. Builds are addressed by build keys derived from the specification
hash, the schedule time, the build id and the environment name.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CONDASTORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to a condastore.yaml config file")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides LOG_LEVEL)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(buildKeyCmd())
	rootCmd.AddCommand(environmentCmd())
	rootCmd.AddCommand(actionCmd())
}

// loadConfig reads the configuration from --config when given, otherwise
// from condastore.yaml lookup paths and the environment.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if level := viper.GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	return cfg, nil
}

// newLogger builds the CLI logger. Records go to stderr so command output
// on stdout stays machine readable.
func newLogger(cfg *config.Config) (*logger.Logger, error) {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return logger.NewWithWriter(os.Stderr, level, cfg.LogFormat == logger.FormatJSON), nil
}

// newRunner builds the action runner from the configuration.
func newRunner(cfg *config.Config, log *logger.Logger) *action.Runner {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return action.NewRunner(
		action.WithLogger(log.WithComponent("action").Logger),
		action.WithWorkDir(cfg.Action.WorkDir),
		action.WithCommandTimeout(cfg.Action.CommandTimeout),
		action.WithLogLevel(level),
	)
}

func tools(cfg *config.Config) conda.Tools {
	return conda.Tools{Conda: cfg.Action.CondaCommand, CondaLock: cfg.Action.CondaLockCommand}
}

// setup is the common prologue of commands that run actions.
func setup() (*config.Config, *logger.Logger, *action.Runner, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, newRunner(cfg, log), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	tw.SetStyle(table.StyleLight)
	return tw
}
