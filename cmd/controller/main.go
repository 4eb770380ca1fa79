package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagAddr     string
	flagAdminKey string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "controller",
	Short: "Expo Free Agent build controller",
	Long: `The Expo Free Agent controller orchestrates mobile app builds across a
fleet of build workers: it queues submitted builds, assigns them to polling
workers, brokers the credential handshake into the build guest, and streams
source and result artifacts.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"controller version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", "http://127.0.0.1:8090", "Controller address for admin commands")
	rootCmd.PersistentFlags().StringVar(&flagAdminKey, "admin-key", os.Getenv("EFA_ADMIN_KEY"), "Admin key (defaults to EFA_ADMIN_KEY)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(buildsCmd)
	rootCmd.AddCommand(workersCmd)
}
