// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/siderolabs/psci-scpi/internal/version"
	"github.com/siderolabs/psci-scpi/pkg/psci"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the tool version and the implemented PSCI version",
	Args:  cobra.NoArgs,
	Run: func(*cobra.Command, []string) {
		fmt.Println(version.String())
		fmt.Printf("PSCI %d.%d\n", psci.Version>>16, psci.Version&0xffff)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
