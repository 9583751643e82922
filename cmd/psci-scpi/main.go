// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package main is the main package invoking the tool
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/siderolabs/psci-scpi/internal/util"
	"github.com/siderolabs/psci-scpi/internal/version"
	"github.com/siderolabs/psci-scpi/pkg/platform"
)

const (
	flagLogLevel = "log-level"
	flagConfig   = "config"
	flagPlatform = "platform"
	flagOutput   = "output"
)

const (
	outputText = "text"
	outputYAML = "yaml"
)

var rootCmd = &cobra.Command{
	Use:               "psci-scpi",
	Short:             "power state coordination over the SCPI message box",
	Long:              "runs the secure firmware's power coordination against a simulated sunxi SoC, or inspects a real one",
	PersistentPreRunE: setup,
	SilenceUsage:      true,
}

var errBadOutput = errors.New("unknown output format")

var logger *slog.Logger

func setup(cmd *cobra.Command, _ []string) error {
	// only the running command's flags are bound, as several commands share names
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if path := viper.GetString(flagConfig); path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return fmt.Errorf("error expanding config path: %w", err)
		}

		viper.SetConfigFile(expanded)

		if err = viper.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config: %w", err)
		}
	}

	level, err := util.ParseLevel(viper.GetString(flagLogLevel))
	if err != nil {
		return fmt.Errorf("error parsing log level: %w", err)
	}

	logOpts := &slog.HandlerOptions{
		Level: level,
	}

	// stdout carries the reports
	logger = slog.New(slog.NewTextHandler(os.Stderr, logOpts)).With("command", cmd.Name())

	hello := fmt.Sprintf("%s © 2020-2025 Oliver Kuckertz, Equinix and Siderolabs", version.Name)
	logger.Debug(hello, "version", strings.TrimSpace(version.Tag))

	return nil
}

func checkOutput() (string, error) {
	switch output := viper.GetString(flagOutput); output {
	case outputText, outputYAML:
		return output, nil
	default:
		return "", fmt.Errorf("%w %q", errBadOutput, output)
	}
}

func init() {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(`-`, `_`))
	viper.SetEnvPrefix("psci_scpi")

	pf := rootCmd.PersistentFlags()
	pf.String(flagLogLevel, "warn", "log level (error, warn, info, debug, trace)")
	pf.String(flagConfig, "", "path to a YAML configuration file")
	pf.String(flagPlatform, platform.Default, fmt.Sprintf("SoC layout, one of %v", platform.Names()))
	pf.StringP(flagOutput, "o", outputText, "output format (text, yaml)")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
