package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/arbiterml/modelplane/cmd/cli/config"
)

type ConfigInitOptions struct {
	File          string
	ServerURL     string
	DefaultOutput string
	Timeout       time.Duration
}

// NewConfigCmd manages the CLI's own configuration file.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the CLI configuration file",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective CLI configuration",
		Long: `Show the CLI configuration after layering the config file and the
MODELPLANE_* environment over the built-in defaults.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd)
		},
	}

	return cmd
}

func runConfigShow(cmd *cobra.Command) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return err
	}

	if outputFormat() == "json" {
		return printJSON(cmd.OutOrStdout(), cfg)
	}

	w := newTable(cmd.OutOrStdout())
	fmt.Fprintf(w, "Server URL\t%s\n", cfg.ServerURL)
	fmt.Fprintf(w, "Default Output\t%s\n", cfg.DefaultOutput)
	fmt.Fprintf(w, "Timeout\t%s\n", cfg.Timeout)
	fmt.Fprintf(w, "Color Output\t%t\n", cfg.Preferences.ColorOutput)
	fmt.Fprintf(w, "Timezone\t%s\n", cfg.Preferences.TimeZone)
	return w.Flush()
}

func newConfigInitCmd() *cobra.Command {
	defaults := config.NewDefaultConfig()
	opts := &ConfigInitOptions{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		Example: `  # Point the CLI at a shared control plane
  modelplane config init --server-url http://modelplane.internal:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.File, "file", "", "Destination path (default is $HOME/.modelplane/config.yaml)")
	cmd.Flags().StringVar(&opts.ServerURL, "server-url", defaults.ServerURL, "Server URL to store")
	cmd.Flags().StringVar(&opts.DefaultOutput, "default-output", defaults.DefaultOutput, "Default output format to store")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", defaults.Timeout, "Request timeout to store")

	return cmd
}

func runConfigInit(cmd *cobra.Command, opts *ConfigInitOptions) error {
	cfg := config.NewDefaultConfig()
	cfg.ServerURL = opts.ServerURL
	cfg.DefaultOutput = opts.DefaultOutput
	cfg.Timeout = opts.Timeout

	if err := config.SaveConfig(cfg, opts.File); err != nil {
		return err
	}

	path := opts.File
	if path == "" {
		path = config.GetDefaultConfigPath()
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote configuration to %s\n", path)
	return nil
}

func newConfigPathCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "path",
		Short: "Print the default configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), config.GetDefaultConfigPath())
		},
	}

	return cmd
}
