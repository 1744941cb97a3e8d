package main

import (
	"os"

	"github.com/spf13/cobra"
)

const (
	// NodeDir is the directory under $HOME holding config and data
	NodeDir = ".relayer"

	flagHome = "home"
)

// DefaultNodeHome is the default relayer home directory
var DefaultNodeHome = os.ExpandEnv("$HOME/") + NodeDir

// Set at build time with -ldflags
var (
	Version = "dev"
	Commit  = ""
)

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "relayerd",
		Short:        "Lock/unlock bridge relayer",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String(flagHome, DefaultNodeHome, "relayer home directory")

	InitRootCmd(rootCmd) // add subcommands like `start` and `version`

	return rootCmd
}

func homeDir(cmd *cobra.Command) string {
	home, err := cmd.Flags().GetString(flagHome)
	if err != nil || home == "" {
		return DefaultNodeHome
	}
	return home
}
