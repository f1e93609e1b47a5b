// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package main is the main package invoking the tool
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/siderolabs/talos-xeniface/internal/util"
	"github.com/siderolabs/talos-xeniface/internal/version"
)

const (
	flagLogLevel = "log-level"
	flagConfig   = "config"
	flagSocket   = "socket"
)

const defaultSocket = "/run/xeniface/xeniface.sock"

var rootCmd = &cobra.Command{
	Use:               "xenifaced",
	Short:             "page and event channel broker for guest processes",
	Long:              "xenifaced lets unprivileged processes share pages, bind event channels and watch store paths through a single broker",
	PersistentPreRunE: setup,
	SilenceUsage:      true,
}

var logger *slog.Logger

func setup(cmd *cobra.Command, _ []string) error {
	if path := viper.GetString(flagConfig); path != "" {
		viper.SetConfigFile(path)

		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %q: %w", path, err)
		}
	}

	level, err := util.ParseLevel(viper.GetString(flagLogLevel))
	if err != nil {
		return fmt.Errorf("error parsing log level: %w", err)
	}

	logOpts := &slog.HandlerOptions{
		Level: level,
	}

	logger = slog.New(slog.NewTextHandler(os.Stdout, logOpts)).With("command", cmd.Name())

	if path := viper.ConfigFileUsed(); path != "" {
		logger.Debug("loaded config file", "path", path)
	}

	return nil
}

func init() {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(`-`, `_`))
	viper.SetEnvPrefix("xenifaced")

	pf := rootCmd.PersistentFlags()
	pf.String(flagLogLevel, "info", "log level (error, warn, info, debug, trace)")
	pf.String(flagConfig, "", "path to a config file (yaml, toml or json)")
	pf.String(flagSocket, defaultSocket, "unix socket the daemon listens on")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
