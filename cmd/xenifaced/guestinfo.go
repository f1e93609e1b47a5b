// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/siderolabs/talos-xeniface/internal/nanotoolbox"
)

var guestinfoCmd = &cobra.Command{
	Use:   "guestinfo",
	Short: "inspect the guestinfo store backend",
}

func init() {
	pf := guestinfoCmd.PersistentFlags()
	pf.String(flagGuestinfoPrefix, nanotoolbox.DefaultPrefix, "guestinfo key prefix for watched paths")

	guestinfoCmd.AddCommand(&cobra.Command{
		Use:   "get <path>",
		Short: "read a store path from guestinfo",
		Long:  "get reads the guestinfo key a watch on path would poll, e.g. 'data/peer' reads 'guestinfo.data.peer'",
		Args:  cobra.ExactArgs(1),
		RunE:  guestinfoGet,
	})

	rootCmd.AddCommand(guestinfoCmd)
}

func guestinfoGet(cmd *cobra.Command, args []string) error {
	prefix, err := cmd.Flags().GetString(flagGuestinfoPrefix)
	if err != nil {
		return err
	}

	channel := nanotoolbox.NewBackdoorChannel(logger.With("module", "vmw-message"))
	rpci := nanotoolbox.NewRPCI(logger.With("module", "RPCI"), channel)

	if err = rpci.Start(); err != nil {
		return fmt.Errorf("error starting RPCI: %w", err)
	}

	defer func() {
		if err := rpci.Stop(); err != nil {
			logger.Warn("failed to close RPCI channel", "err", err)
		}
	}()

	g := nanotoolbox.NewGuestInfo(logger.With("module", "guestinfo"), rpci, prefix)

	value, ok, err := g.Get(args[0])
	if err != nil {
		return fmt.Errorf("RPC request failed: %w", err)
	}

	if !ok {
		return fmt.Errorf("%s is not set", g.Key(args[0]))
	}

	fmt.Fprintln(cmd.OutOrStdout(), value)

	return nil
}
