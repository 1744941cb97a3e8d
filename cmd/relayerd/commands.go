package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pushchain/bridge-relayer/relayer/config"
	"github.com/pushchain/bridge-relayer/relayer/logger"
)

func InitRootCmd(rootCmd *cobra.Command) {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(recordsCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(keysCmd())
}

func initCmd() *cobra.Command {
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default relayer config to the home directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := homeDir(cmd)
			if _, err := config.Load(home); err == nil && !overwrite {
				return fmt.Errorf("config already exists in %s (use --overwrite)", home)
			}

			cfg, err := config.LoadDefaultConfig()
			if err != nil {
				return err
			}
			if err := config.Save(cfg, home); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", home)
			return nil
		},
	}

	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing config")
	return cmd
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start relaying lock events to the destination chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := homeDir(cmd)
			cfg, err := config.Load(home)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := logger.Init(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n, err := newNode(cfg, home, log)
			if err != nil {
				return err
			}
			defer n.Close()

			return n.Run(ctx)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print relayerd version info",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Name:       %s\n", "relayerd")
			fmt.Fprintf(out, "Version:    %s\n", Version)
			fmt.Fprintf(out, "Commit:     %s\n", Commit)
			fmt.Fprintf(out, "Go Version: %s\n", runtime.Version())
		},
	}
}
