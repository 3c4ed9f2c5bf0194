// Command forgeyard runs the batch execution service: it wires the
// authenticator, token issuer, repository registry, workspace manager,
// job store/scheduler/executor/broker, and background janitor into a
// single long-running process, or exposes them one-off through
// administrative subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"forgeyard/internal/version"
)

var (
	cfgFile string
	v       = viper.New()

	rootCmd = &cobra.Command{
		Use:     "forgeyard",
		Short:   "Multi-tenant batch execution service",
		Long:    "forgeyard runs assistant CLI jobs against cloned repositories in isolated copy-on-write workspaces.",
		Version: version.GetVersionString(),
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $FORGEYARD_CONFIG or ./forgeyard.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(repoCmd)
}

func initConfig() {
	if cfgFile == "" {
		cfgFile = os.Getenv("FORGEYARD_CONFIG")
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("forgeyard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/forgeyard")
	}

	v.SetEnvPrefix("FORGEYARD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "forgeyard: using config file %s\n", v.ConfigFileUsed())
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
