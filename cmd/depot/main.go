// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/depot/depot"
	"storj.io/depot/depot/tenants"
	"storj.io/depot/pkg/process"
)

var (
	rootCmd = &cobra.Command{
		Use:   "depot",
		Short: "Resumable chunked upload storage engine",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the depot peer",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:   "setup",
		Short: "Create the data directory and initial configuration",
		RunE:  cmdSetup,
	}

	development bool
	apiKeys     []string
	config      depot.Config
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)

	flags := rootCmd.PersistentFlags()
	flags.String("config", process.DefaultConfigPath("depot"), "config file")
	flags.BoolVar(&development, "development", false, "use development logging")
	flags.StringVar(&config.DataDir, "data-dir", defaultDataDir(), "directory for chunk, artifact and metadata storage")
	flags.Int64Var(&config.DefaultQuota, "default-quota", 1<<30, "default per-tenant quota in bytes, non-positive means unlimited")
	flags.DurationVar(&config.Retention.Interval, "retention.interval", time.Hour, "how frequently stale sessions are swept")
	flags.DurationVar(&config.Retention.RetentionWindow, "retention.window", 24*time.Hour, "how long an unfinished session is kept before its chunks are discarded")
	flags.StringSliceVar(&apiKeys, "api-key", nil, "api key to tenant mapping formatted as key=tenant")
}

func defaultDataDir() string {
	return filepath.Join(filepath.Dir(process.DefaultConfigPath("depot")), "data")
}

func identityProvider() (tenants.Provider, error) {
	if len(apiKeys) == 0 {
		return tenants.ContextProvider{}, nil
	}

	keys := make(map[string]tenants.ID, len(apiKeys))
	for _, mapping := range apiKeys {
		key, tenant, found := strings.Cut(mapping, "=")
		if !found || key == "" || tenant == "" {
			return nil, errs.New("malformed api key mapping %q", mapping)
		}
		keys[key] = tenants.ID(tenant)
	}
	return tenants.NewAPIKeyProvider(keys), nil
}

func cmdSetup(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(config.DataDir, 0700); err != nil {
		return errs.Wrap(err)
	}

	cfgFile, _ := cmd.Flags().GetString("config")
	if err := os.MkdirAll(filepath.Dir(cfgFile), 0700); err != nil {
		return errs.Wrap(err)
	}
	if _, err := os.Stat(cfgFile); err == nil {
		return errs.New("configuration already exists at %q", cfgFile)
	}

	viper.Set("data-dir", config.DataDir)
	viper.Set("default-quota", config.DefaultQuota)
	viper.Set("retention.interval", config.Retention.Interval.String())
	viper.Set("retention.window", config.Retention.RetentionWindow.String())
	if err := viper.WriteConfigAs(cfgFile); err != nil {
		return errs.Wrap(err)
	}

	fmt.Println("configuration written to", cfgFile)
	return nil
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx()
	defer cancel()

	log, err := process.NewLogger(development)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	identity, err := identityProvider()
	if err != nil {
		return err
	}

	peer, err := depot.New(ctx, log, identity, config)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, peer.Close()) }()

	if err := peer.RecalculateUsage(ctx); err != nil {
		return err
	}

	log.Info("depot started",
		zap.String("data-dir", config.DataDir),
		zap.Duration("retention-window", config.Retention.RetentionWindow))
	return peer.Run(ctx)
}

func main() {
	process.Execute(rootCmd)
}
