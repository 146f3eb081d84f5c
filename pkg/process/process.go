// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package process sets up process-wide configuration and logging for
// depot binaries.
package process

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// DefaultConfigPath returns the default configuration file path for the
// named binary.
func DefaultConfigPath(name string) string {
	if name == "" {
		name = filepath.Base(os.Args[0])
	}
	path := filepath.Join("."+name, "config.yaml")
	home, err := homedir.Dir()
	if err != nil {
		log.Println(err)
		return path
	}
	return filepath.Join(home, path)
}

// Execute runs a *cobra.Command and sets up depot-wide process
// configuration like a configuration file and environment binding.
func Execute(cmd *cobra.Command) {
	cobra.OnInitialize(func() {
		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			log.Println(err)
		}
		viper.SetEnvPrefix("depot")
		viper.AutomaticEnv()

		cfgFile, _ := cmd.Flags().GetString("config")
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					if !os.IsNotExist(err) {
						log.Println(err)
					}
				}
			}
		}
	})

	Must(cmd.Execute())
}

// NewLogger creates the process logger.
func NewLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Ctx returns a context that is canceled on interrupt or termination
// signals.
func Ctx() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Must checks for errors.
func Must(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
