package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "relaybot",
	Short: "Autonomous indoor delivery robot control core",
	Long: "relaybot runs the delivery robot: localization, navigation, and the\n" +
		"delivery state machine over the microcontroller serial link.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/relaybot.defaults.yaml", "Path to robot configuration YAML")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkMapCmd)
	rootCmd.AddCommand(ordersCmd)
}
