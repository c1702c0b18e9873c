package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/evenlabs/balancerd"
)

var (
	GitVersion = ""
	GitCommit  = ""
	GitDate    = ""
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     "balancerd",
		Short:   "TCP/HTTP load balancer with active health checks",
		Version: fmt.Sprintf("%s (%s %s)", GitVersion, GitCommit, GitDate),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := balancerd.LoadConfig(configPath)
			if err != nil {
				return err
			}

			_, shutdown, err := balancerd.Start(config)
			if err != nil {
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig

			shutdown()
			return nil
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "balancerd.toml", "path to the configuration file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
