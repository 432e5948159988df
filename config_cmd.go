package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stridekit/fitsync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if cc.Flags.JSON {
				return writeJSON(cmd.OutOrStdout(), cc.Cfg)
			}

			return config.RenderEffective(cc.Cfg, cmd.OutOrStdout())
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "init",
		Short:       "Write a commented default config file",
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			path := config.ConfigPath(config.ReadEnvOverrides(), cc.Overrides)

			if err := config.WriteDefault(path); err != nil {
				return err
			}

			cc.Statusf("Wrote %s\n", path)

			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set one key in the config file",
		Long: `Set one key in the config file, keeping its comments. The file is created
from the default template when missing. The result is validated before it is
written, so an invalid value leaves the file unchanged.`,
		Args:        cobra.ExactArgs(2),
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			path := config.ConfigPath(config.ReadEnvOverrides(), cc.Overrides)

			if err := config.SetKey(path, args[0], args[1]); err != nil {
				return err
			}

			cc.Statusf("Set %s = %s in %s\n", args[0], args[1], path)

			return nil
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "path",
		Short:       "Print the config file path",
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), config.ConfigPath(config.ReadEnvOverrides(), cc.Overrides))

			return nil
		},
	}
}
