package cmd

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	logLevel   string
	configFile string
)

var RootCmd = &cobra.Command{
	Use:   "mutated [client | server | probe | max-rps]",
	Short: "An open-loop load generator for measuring tail latency.",
	Long: `An open-loop load generator for measuring tail latency.

Requests leave on a precomputed Poisson schedule whatever the server does,
and every response is broken down into client queueing, service and wait
time.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := log.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		log.SetLevel(level)
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mutated:", err)
		os.Exit(1)
	}
}

func init() {
	flags := RootCmd.PersistentFlags()
	flags.StringVar(&logLevel, "log-level", log.InfoLevel.String(), "log level, must be one of: panic, fatal, error, warn, info, debug")
	flags.StringVar(&configFile, "config", "", "configuration file (yaml, toml or json) providing defaults for any flag")
}

// settings layers a command's flags over MUTATED_* environment variables
// over the configuration file.
func settings(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("mutated")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", configFile, err)
		}
		log.Debugf("using config file %s", v.ConfigFileUsed())
	}
	return v, nil
}
