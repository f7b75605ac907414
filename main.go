package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"localchat/config"
)

var rootCmd = &cobra.Command{
	Use:   "localchatd",
	Short: "Serverless LAN chat daemon",
	Long: `localchatd finds other LocalChat daemons on the local network over mDNS
and relays text messages between them. Front ends talk to it over a Unix
socket using newline-delimited JSON.

Several instances can run on one host; each instance number gets its own
TCP port, control socket and data directory.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().IntP("instance", "n", 1, "instance number (selects port, socket and data directory)")
	rootCmd.PersistentFlags().String("config", "", "settings file (default: <data dir>/"+config.SettingsFileName+")")
	rootCmd.PersistentFlags().String("data-dir", "", "override the application data directory")
	rootCmd.PersistentFlags().String("socket-dir", "", "override the control socket directory")
	rootCmd.PersistentFlags().Int("base-port", 0, "TCP port of instance 1")

	rootCmd.AddCommand(runCmd, pathsCmd, identityCmd, historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadInstance reads settings, applies flag overrides and derives the
// addressing for the selected instance.
func loadInstance(cmd *cobra.Command) (config.Settings, config.Instance, error) {
	flags := cmd.Flags()

	settingsPath, _ := flags.GetString("config")
	if settingsPath == "" {
		path, err := config.DefaultSettingsPath()
		if err != nil {
			return config.Settings{}, config.Instance{}, err
		}
		settingsPath = path
	}

	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return config.Settings{}, config.Instance{}, err
	}

	if flags.Changed("data-dir") {
		settings.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("socket-dir") {
		settings.SocketDir, _ = flags.GetString("socket-dir")
	}
	if flags.Changed("base-port") {
		settings.BasePort, _ = flags.GetInt("base-port")
	}

	n, _ := flags.GetInt("instance")
	inst, err := config.ForInstance(n, settings)
	if err != nil {
		return config.Settings{}, config.Instance{}, err
	}
	return settings, inst, nil
}
