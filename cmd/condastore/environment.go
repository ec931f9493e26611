package main

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/narvanalabs/condastore/internal/models"
	"github.com/narvanalabs/condastore/internal/store"
	"github.com/narvanalabs/condastore/internal/store/sqldb"
	"github.com/narvanalabs/condastore/pkg/config"
	"github.com/narvanalabs/condastore/pkg/logger"
)

func environmentCmd() *cobra.Command {
	env := &cobra.Command{Use: "environment", Aliases: []string{"env"}, Short: "Manage environments"}
	env.AddCommand(environmentRegisterCmd())
	env.AddCommand(environmentBuildsCmd())
	return env
}

func environmentRegisterCmd() *cobra.Command {
	var (
		namespace string
		file      string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Store a specification and schedule a build for it",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := readSpecification(file)
			if err != nil {
				return err
			}
			return withStore(func(st store.Store, codec buildKeyer) error {
				build, err := store.RegisterEnvironment(cmd.Context(), st, namespace, spec)
				if err != nil {
					return err
				}
				key := codec(build)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"build": build, "build_key": key})
				}
				fmt.Printf("Build %d scheduled for %s/%s\n", build.ID, build.Namespace, build.EnvironmentName)
				fmt.Printf("Build key: %s\n", key)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "default", "namespace")
	cmd.Flags().StringVarP(&file, "file", "f", "environment.yaml", "environment specification")
	return cmd
}

func environmentBuildsCmd() *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:   "builds NAME",
		Short: "List the builds of an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(st store.Store, codec buildKeyer) error {
				env, err := st.Environments().Get(cmd.Context(), namespace, args[0])
				if err != nil {
					return err
				}
				builds, err := st.Builds().ListByEnvironment(cmd.Context(), env.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(builds)
				}
				tw := newTable("ID", "Status", "Scheduled", "Size", "Build Key")
				for _, b := range builds {
					tw.AppendRow(table.Row{b.ID, b.Status, b.ScheduledOn.Format("2006-01-02 15:04:05"), b.Size, codec(b)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "default", "namespace")
	return cmd
}

// buildKeyer derives a build's key with the configured codec.
type buildKeyer func(*models.Build) string

func withStore(fn func(store.Store, buildKeyer) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	codec, err := cfg.BuildKeyCodec()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st, func(b *models.Build) string { return b.BuildKey(codec) })
}

func openStore(cfg *config.Config, log *logger.Logger) (*sqldb.Store, error) {
	return sqldb.Open(sqldb.DefaultConfig(cfg.DatabaseDriver, cfg.DatabaseDSN), log.WithComponent("store").Logger)
}

func readSpecification(path string) (*models.CondaSpecification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading specification: %w", err)
	}
	var spec models.CondaSpecification
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing specification %s: %w", path, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}
