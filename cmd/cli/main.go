package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arbiterml/modelplane/cmd/cli/commands"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	rootCmd := newRootCmd()

	// Initialize Viper
	cobra.OnInitialize(initConfig)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "modelplane",
		Short: "Tenant-aware ModelOps control plane CLI",
		Long: `A command-line interface for managing model versions, tenant overrides,
phased rollouts, drift monitoring, budgets, and experiments on a modelplane
server.`,
		Version: "0.1.0",
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.modelplane/config.yaml)")
	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "modelplane server URL")
	rootCmd.PersistentFlags().String("output", "table", "output format (json, table)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	viper.BindPFlag("server_url", rootCmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag("default_output", rootCmd.PersistentFlags().Lookup("output"))

	// Add commands
	rootCmd.AddCommand(commands.NewVersionCmd())
	rootCmd.AddCommand(commands.NewOverrideCmd())
	rootCmd.AddCommand(commands.NewRolloutCmd())
	rootCmd.AddCommand(commands.NewDriftCmd())
	rootCmd.AddCommand(commands.NewBudgetCmd())
	rootCmd.AddCommand(commands.NewExperimentCmd())
	rootCmd.AddCommand(commands.NewConfigCmd())

	return rootCmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home + "/.modelplane")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("MODELPLANE")

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
