// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/siderolabs/talos-xeniface/internal/capcheck"
	"github.com/siderolabs/talos-xeniface/internal/device"
	"github.com/siderolabs/talos-xeniface/internal/hv"
	"github.com/siderolabs/talos-xeniface/internal/hv/loopback"
	"github.com/siderolabs/talos-xeniface/internal/nanotoolbox"
	"github.com/siderolabs/talos-xeniface/internal/rpc"
	"github.com/siderolabs/talos-xeniface/internal/version"
)

const (
	flagDomain              = "domain"
	flagGrantCapacity       = "grant-capacity"
	flagLockPages           = "lock-pages"
	flagWorkers             = "workers"
	flagStoreBackend        = "store-backend"
	flagGuestinfoPrefix     = "guestinfo-prefix"
	flagSkipVmwareDetection = "skip-vmware-detection"
)

const (
	backendLoopback  = "loopback"
	backendGuestinfo = "guestinfo"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the broker daemon",
	Long:  "serve runs the device on a loopback hypervisor and exposes it over gRPC on a unix socket",
	Args:  cobra.NoArgs,
	RunE:  serve,
}

var errServeFailed = errors.New("error starting xenifaced")

func init() {
	pf := serveCmd.Flags()
	pf.Uint16(flagDomain, 0, "domain id of the local domain")
	pf.Int(flagGrantCapacity, 4096, "number of grant references available")
	pf.Bool(flagLockPages, false, "lock granted pages in memory (needs CAP_IPC_LOCK)")
	pf.Int(flagWorkers, 2, "number of workers running cancellations")
	pf.String(flagStoreBackend, backendLoopback, "store backend (loopback, guestinfo)")
	pf.String(flagGuestinfoPrefix, nanotoolbox.DefaultPrefix, "guestinfo key prefix for watched paths")
	pf.Bool(flagSkipVmwareDetection, false, "skip vmware detection for the guestinfo backend")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(serveCmd)
}

// requireCapability fails when the process lacks the capability with the given bit.
func requireCapability(bit int8, name string) error {
	hascap, err := capcheck.HasCapability(bit)
	if err != nil {
		logger.Error("error checking capabilities", "err", err)

		return err
	}

	if !hascap {
		logger.Error("missing capability", "capability", name)

		return fmt.Errorf("lacking capability %s", name)
	}

	return nil
}

func newGuestInfo() (*nanotoolbox.GuestInfo, error) {
	// Detection needs CAP_SYS_RAWIO; VM-less test setups can skip it.
	if !viper.GetBool(flagSkipVmwareDetection) {
		if err := requireCapability(capcheck.CapSysRawio, "CAP_SYS_RAWIO"); err != nil {
			return nil, err
		}
	} else {
		logger.Info("skipping VMware environment detection")
	}

	channel := nanotoolbox.NewBackdoorChannel(logger.With("module", "vmw-message"))
	rpci := nanotoolbox.NewRPCI(logger.With("module", "RPCI"), channel)

	return nanotoolbox.NewGuestInfo(logger.With("module", "guestinfo"), rpci, viper.GetString(flagGuestinfoPrefix)), nil
}

func listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	return net.Listen("unix", path)
}

func serve(cmd *cobra.Command, _ []string) error {
	logger.Info(fmt.Sprintf("%s © 2020-2025 Oliver Kuckertz, Equinix and Siderolabs", version.Name), "version", version.Tag)

	lockPages := viper.GetBool(flagLockPages)
	if lockPages {
		if err := requireCapability(capcheck.CapIPCLock, "CAP_IPC_LOCK"); err != nil {
			return err
		}
	}

	lb := loopback.New(hv.DomainID(viper.GetUint16(flagDomain)), viper.GetInt(flagGrantCapacity))

	var store hv.Store

	switch backend := viper.GetString(flagStoreBackend); backend {
	case backendLoopback:
		store = lb.Store
	case backendGuestinfo:
		gi, err := newGuestInfo()
		if err != nil {
			return err
		}

		if err = gi.Start(); err != nil {
			logger.Error("error starting guestinfo backend", "err", err)

			return errServeFailed
		}

		defer func() {
			gi.Stop()
			gi.Wait()
		}()

		store = gi
	default:
		return fmt.Errorf("unknown store backend %q", backend)
	}

	d := device.New(logger.With("module", "device"), device.Config{
		Grants:     lb.Grants,
		Channels:   lb.Channels,
		Store:      store,
		Suspend:    lb.Suspend,
		SharedInfo: lb.SharedInfo,
		Workers:    viper.GetInt(flagWorkers),
		LockPages:  lockPages,
	})

	socket := viper.GetString(flagSocket)

	lis, err := listen(socket)
	if err != nil {
		logger.Error("error listening", "socket", socket, "err", err)

		return errServeFailed
	}

	srv := grpc.NewServer()
	rpc.RegisterDeviceServer(srv, rpc.NewServer(logger.With("module", "rpc"), d))

	// Graceful shutdown on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		logger.Info("serving", "socket", socket)

		return srv.Serve(lis)
	})

	eg.Go(func() error {
		<-ctx.Done()

		logger.Debug("shutting down", "cause", context.Cause(ctx))

		// pending requests hold their streams open until the device cancels them
		err := d.Teardown()

		srv.GracefulStop()

		return err
	})

	if err = eg.Wait(); err != nil {
		return err
	}

	logger.Info("graceful shutdown done, fair winds!")

	return nil
}
