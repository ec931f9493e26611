package main

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/narvanalabs/condastore/internal/buildkey"
)

func buildKeyCmd() *cobra.Command {
	bk := &cobra.Command{Use: "build-key", Short: "Encode and decode build keys"}
	bk.AddCommand(buildKeyEncodeCmd())
	bk.AddCommand(buildKeyDecodeCmd())
	return bk
}

func buildKeyEncodeCmd() *cobra.Command {
	var (
		version     int
		hash        string
		scheduledOn string
		buildID     int64
		environment string
	)
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Derive the build key of a build",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("version") {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				version = cfg.BuildKeyVersion
			}
			codec, err := buildkey.New(version)
			if err != nil {
				return err
			}
			ts, err := time.Parse(time.RFC3339Nano, scheduledOn)
			if err != nil {
				return fmt.Errorf("invalid --scheduled-on: %w", err)
			}
			key := codec.Encode(hash, ts, buildID, environment)
			if viper.GetBool("json") {
				return printJSON(map[string]any{"key": key, "version": int(codec.Version())})
			}
			fmt.Println(key)
			return nil
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "build key version (defaults to BUILD_KEY_VERSION)")
	cmd.Flags().StringVar(&hash, "hash", "", "specification sha256")
	cmd.Flags().StringVar(&scheduledOn, "scheduled-on", "", "schedule time (RFC 3339)")
	cmd.Flags().Int64Var(&buildID, "build-id", 0, "build id")
	cmd.Flags().StringVar(&environment, "environment", "", "environment name")
	_ = cmd.MarkFlagRequired("hash")
	_ = cmd.MarkFlagRequired("scheduled-on")
	_ = cmd.MarkFlagRequired("build-id")
	_ = cmd.MarkFlagRequired("environment")
	return cmd
}

func buildKeyDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode KEY...",
		Short: "Decode build keys of any supported version",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decoded := make([]buildkey.Components, 0, len(args))
			for _, key := range args {
				c, err := buildkey.Decode(key)
				if err != nil {
					return err
				}
				decoded = append(decoded, c)
			}
			if viper.GetBool("json") {
				return printJSON(decoded)
			}
			tw := newTable("Version", "Hash", "Scheduled", "Build ID", "Environment")
			for _, c := range decoded {
				tw.AppendRow(table.Row{int(c.Version), c.PackageHash, c.ScheduledOn.Format(time.RFC3339Nano), c.BuildID, c.EnvironmentName})
			}
			tw.Render()
			return nil
		},
	}
}
