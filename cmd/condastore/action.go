package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/narvanalabs/condastore/internal/action"
	"github.com/narvanalabs/condastore/internal/conda"
	"github.com/narvanalabs/condastore/internal/models"
	"github.com/narvanalabs/condastore/internal/store"
)

func actionCmd() *cobra.Command {
	act := &cobra.Command{
		Use:   "action",
		Short: "Run a single build action",
		Long: `Each action runs in its own temporary workspace which is removed when the
action returns. Action logs are written to stderr.`,
	}
	act.AddCommand(actionSolveCmd())
	act.AddCommand(actionFetchCmd())
	act.AddCommand(actionInstallCmd())
	act.AddCommand(actionExportCmd())
	act.AddCommand(actionPackCmd())
	act.AddCommand(actionStatsCmd())
	act.AddCommand(actionPermissionsCmd())
	act.AddCommand(actionRemoveCmd())
	act.AddCommand(actionRecordPackagesCmd())
	return act
}

func actionSolveCmd() *cobra.Command {
	var (
		file      string
		output    string
		platforms []string
		record    bool
	)
	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Solve a specification into a conda-lock lockfile",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, runner, err := setup()
			if err != nil {
				return err
			}
			spec, err := readSpecification(file)
			if err != nil {
				return err
			}
			res, err := conda.SolveLockfile(cmd.Context(), runner, tools(cfg), spec, platforms)
			if err != nil {
				return err
			}
			data, err := res.Value.Marshal()
			if err != nil {
				return err
			}
			if output == "-" {
				if _, err := os.Stdout.Write(data); err != nil {
					return err
				}
			} else {
				if err := os.WriteFile(output, data, 0o644); err != nil {
					return fmt.Errorf("writing lockfile: %w", err)
				}
				fmt.Fprintf(os.Stderr, "wrote %s (%d packages) in %s\n", output, len(res.Value.Package), res.Duration)
			}
			if !record {
				return nil
			}

			st, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()
			solve, packages, err := recordSolve(cmd.Context(), runner, st, spec, res.Value)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "recorded solve %d (%d conda packages)\n", solve.ID, len(packages))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "environment.yaml", "environment specification")
	cmd.Flags().StringVarP(&output, "output", "o", "conda-lock.yml", "lockfile to write, - for stdout")
	cmd.Flags().StringSliceVarP(&platforms, "platform", "p", []string{conda.Platform()}, "platforms to solve for")
	cmd.Flags().BoolVar(&record, "record", false, "store the solve and its conda packages in the database")
	return cmd
}

// recordSolve stores spec as a solve and attaches the conda packages of lock
// to it.
func recordSolve(ctx context.Context, runner *action.Runner, st store.Store, spec *models.CondaSpecification, lock *conda.LockSpec) (*models.Solve, []*models.PackageBuild, error) {
	solve, err := store.RegisterSolve(ctx, st, spec)
	if err != nil {
		return nil, nil, err
	}
	res, err := conda.AddLockfilePackages(ctx, runner, st, lock, solve.ID)
	if err != nil {
		return nil, nil, err
	}
	return solve, res.Value, nil
}

func actionFetchCmd() *cobra.Command {
	var (
		lockfile string
		pkgsDir  string
		platform string
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download and extract the packages of a lockfile",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, runner, err := setup()
			if err != nil {
				return err
			}
			lock, err := conda.ReadLockSpec(lockfile)
			if err != nil {
				return err
			}
			res, err := conda.FetchAndExtractPackages(cmd.Context(), runner, lock, pkgsDir, conda.WithPlatform(platform))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res.Value)
			}
			for _, p := range res.Value.Packages {
				fmt.Println(p)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&lockfile, "lockfile", "l", "conda-lock.yml", "conda-lock lockfile")
	cmd.Flags().StringVar(&pkgsDir, "pkgs-dir", "pkgs", "package cache directory")
	cmd.Flags().StringVarP(&platform, "platform", "p", conda.Platform(), "platform to fetch")
	return cmd
}

func actionInstallCmd() *cobra.Command {
	var (
		file     string
		lockfile string
		prefix   string
	)
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Create a prefix from a specification or a lockfile",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, runner, err := setup()
			if err != nil {
				return err
			}
			if lockfile != "" {
				lock, err := conda.ReadLockSpec(lockfile)
				if err != nil {
					return err
				}
				_, err = conda.InstallLockfile(cmd.Context(), runner, tools(cfg), lock, prefix)
				return err
			}
			spec, err := readSpecification(file)
			if err != nil {
				return err
			}
			_, err = conda.InstallSpecification(cmd.Context(), runner, cfg.Action.CondaCommand, spec, prefix)
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "environment.yaml", "environment specification")
	cmd.Flags().StringVarP(&lockfile, "lockfile", "l", "", "install from this conda-lock lockfile instead")
	cmd.Flags().StringVar(&prefix, "prefix", "", "prefix to create")
	_ = cmd.MarkFlagRequired("prefix")
	return cmd
}

func actionExportCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the specification of an installed prefix",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, runner, err := setup()
			if err != nil {
				return err
			}
			res, err := conda.GenerateCondaExport(cmd.Context(), runner, cfg.Action.CondaCommand, prefix)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res.Value)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(res.Value)
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "conda prefix")
	_ = cmd.MarkFlagRequired("prefix")
	return cmd
}

func actionPackCmd() *cobra.Command {
	var (
		prefix string
		output string
	)
	cmd := &cobra.Command{
		Use:   "pack",
		Short: "Archive a prefix as a gzip-compressed tarball",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, runner, err := setup()
			if err != nil {
				return err
			}
			res, err := conda.GenerateCondaPack(cmd.Context(), runner, prefix, output)
			if err != nil {
				return err
			}
			fmt.Println(res.Value)
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "conda prefix")
	cmd.Flags().StringVarP(&output, "output", "o", "environment.tar.gz", "archive to write")
	_ = cmd.MarkFlagRequired("prefix")
	return cmd
}

func actionStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats PREFIX...",
		Short: "Report disk usage of prefixes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, runner, err := setup()
			if err != nil {
				return err
			}
			stats := make(map[string]*conda.Stats, len(args))
			tw := newTable("Prefix", "Disk Usage")
			for _, prefix := range args {
				res, err := conda.GetCondaPrefixStats(cmd.Context(), runner, prefix)
				if err != nil {
					return err
				}
				stats[prefix] = res.Value
				tw.AppendRow(table.Row{prefix, res.Value.DiskUsage})
			}
			if viper.GetBool("json") {
				return printJSON(stats)
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func actionPermissionsCmd() *cobra.Command {
	var (
		prefix      string
		permissions string
		uid, gid    int
	)
	cmd := &cobra.Command{
		Use:   "permissions",
		Short: "Set the mode and ownership of a prefix",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, runner, err := setup()
			if err != nil {
				return err
			}
			var uidPtr, gidPtr *int
			if cmd.Flags().Changed("uid") {
				uidPtr = &uid
			}
			if cmd.Flags().Changed("gid") {
				gidPtr = &gid
			}
			_, err = conda.SetCondaPrefixPermissions(cmd.Context(), runner, prefix, strings.TrimSpace(permissions), uidPtr, gidPtr)
			return err
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "conda prefix")
	cmd.Flags().StringVar(&permissions, "mode", "", "octal mode, e.g. 775")
	cmd.Flags().IntVar(&uid, "uid", 0, "owner uid")
	cmd.Flags().IntVar(&gid, "gid", 0, "owner gid")
	_ = cmd.MarkFlagRequired("prefix")
	return cmd
}

func actionRemoveCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Delete a conda prefix",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, runner, err := setup()
			if err != nil {
				return err
			}
			_, err = conda.RemoveCondaPrefix(cmd.Context(), runner, prefix)
			return err
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "conda prefix")
	_ = cmd.MarkFlagRequired("prefix")
	return cmd
}

func actionRecordPackagesCmd() *cobra.Command {
	var (
		prefix  string
		buildID int64
	)
	cmd := &cobra.Command{
		Use:   "record-packages",
		Short: "Record the packages installed in a prefix against a build",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, runner, err := setup()
			if err != nil {
				return err
			}
			st, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()
			packages, err := recordPrefixPackages(cmd.Context(), runner, st, prefix, buildID)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(packages)
			}
			tw := newTable("Name", "Version", "Build", "Channel", "Subdir")
			for _, p := range packages {
				tw.AppendRow(table.Row{p.Name, p.Version, p.Build, p.Channel, p.Subdir})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "conda prefix")
	cmd.Flags().Int64Var(&buildID, "build-id", 0, "build the packages belong to")
	_ = cmd.MarkFlagRequired("prefix")
	_ = cmd.MarkFlagRequired("build-id")
	return cmd
}

// recordPrefixPackages attaches the packages of prefix to an existing build.
func recordPrefixPackages(ctx context.Context, runner *action.Runner, st store.Store, prefix string, buildID int64) ([]*models.PackageBuild, error) {
	if _, err := st.Builds().Get(ctx, buildID); err != nil {
		return nil, fmt.Errorf("build %d: %w", buildID, err)
	}
	res, err := conda.AddCondaPrefixPackages(ctx, runner, st, prefix, buildID)
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}
