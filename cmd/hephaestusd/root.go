package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "hephaestusd",
	Short: "Hephaestus autonomous multi-agent job orchestration core",
}

func init() {
	rootCmd.PersistentFlags().String("queue-snapshot", "", "path to the durable queue's snapshot file (empty disables persistence)")
	rootCmd.PersistentFlags().String("health-addr", ":8090", "address the health/metrics HTTP surface listens on")
	rootCmd.PersistentFlags().String("api-keys", "", "comma-separated id:secret:provider agent API key pool")
	rootCmd.PersistentFlags().String("per-class-limits", "", "comma-separated class=n per-agent-class semaphore overrides")

	must(viper.BindPFlag("queue-snapshot", rootCmd.PersistentFlags().Lookup("queue-snapshot")))
	must(viper.BindPFlag("health-addr", rootCmd.PersistentFlags().Lookup("health-addr")))
	must(viper.BindPFlag("api-keys", rootCmd.PersistentFlags().Lookup("api-keys")))
	must(viper.BindPFlag("per-class-limits", rootCmd.PersistentFlags().Lookup("per-class-limits")))

	viper.SetEnvPrefix("hephaestus")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	rootCmd.AddCommand(startCmd, healthCmd, drainCmd)
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
