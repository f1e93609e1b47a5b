// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/siderolabs/talos-xeniface/internal/ioctl"
	"github.com/siderolabs/talos-xeniface/internal/process"
	"github.com/siderolabs/talos-xeniface/internal/rpc"
)

const (
	flagProcess      = "process"
	flagHandle       = "handle"
	flagRemoteDomain = "remote-domain"
	flagPages        = "pages"
	flagRequestID    = "request-id"
	flagReadOnly     = "read-only"
)

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "issue control requests to a running daemon",
}

func init() {
	pf := ctlCmd.PersistentFlags()
	pf.Uint32(flagProcess, uint32(os.Getpid()), "process id to act as")
	pf.Uint64(flagHandle, 0, "existing handle to use instead of opening one")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}

	bindCmd := &cobra.Command{
		Use:   "bind-unbound",
		Short: "bind an unbound event channel and print its events until interrupted",
		Args:  cobra.NoArgs,
		RunE:  withClient(bindUnbound),
	}
	bindCmd.Flags().Uint16(flagRemoteDomain, 0, "remote domain allowed to bind the channel")

	permitCmd := &cobra.Command{
		Use:   "permit",
		Short: "share pages with a remote domain until interrupted",
		Args:  cobra.NoArgs,
		RunE:  withClient(permit),
	}
	permitCmd.Flags().Uint16(flagRemoteDomain, 0, "remote domain the pages are shared with")
	permitCmd.Flags().Uint32(flagPages, 1, "number of pages")
	permitCmd.Flags().Uint32(flagRequestID, 1, "request id")
	permitCmd.Flags().Bool(flagReadOnly, false, "share read-only")

	ctlCmd.AddCommand(
		bindCmd,
		permitCmd,
		&cobra.Command{
			Use:   "notify <port>",
			Short: "send an event on a local port",
			Args:  cobra.ExactArgs(1),
			RunE:  withClient(notify),
		},
		&cobra.Command{
			Use:   "suspend-count",
			Short: "print how many times the domain was suspended",
			Args:  cobra.NoArgs,
			RunE:  withClient(suspendCount),
		},
		&cobra.Command{
			Use:   "time",
			Short: "print the domain wallclock",
			Args:  cobra.NoArgs,
			RunE:  withClient(wallclock),
		},
		&cobra.Command{
			Use:   "log <message>",
			Short: "write a message to the daemon log",
			Args:  cobra.ExactArgs(1),
			RunE:  withClient(logMessage),
		},
	)

	rootCmd.AddCommand(ctlCmd)
}

type session struct {
	client *rpc.Client
	handle process.HandleID
}

func (s *session) ioctl(ctx context.Context, code ioctl.Code, in any, outLen int) (*rpc.Call, error) {
	var input []byte
	if in != nil {
		input = ioctl.Encode(in)
	}

	return s.client.Ioctl(ctx, s.handle, code, input, outLen)
}

// withClient connects to the daemon and opens a handle around fn.
func withClient(fn func(ctx context.Context, cmd *cobra.Command, s *session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		conn, err := grpc.NewClient("unix://"+viper.GetString(flagSocket),
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return err
		}

		defer conn.Close() //nolint:errcheck

		s := &session{
			client: rpc.NewClient(conn, process.ID(viper.GetUint32(flagProcess))),
			handle: process.HandleID(viper.GetUint64(flagHandle)),
		}

		if s.handle == 0 {
			if s.handle, err = s.client.OpenHandle(ctx); err != nil {
				return fmt.Errorf("failed to open handle: %w", err)
			}

			defer func() {
				// the command context may be gone already
				if err := s.client.CloseHandle(context.WithoutCancel(ctx), s.handle); err != nil {
					logger.Warn("failed to close handle", "handle", s.handle, "err", err)
				}
			}()
		}

		logger.Debug("using handle", "handle", s.handle)

		return fn(ctx, cmd, s, args)
	}
}

func bindUnbound(ctx context.Context, cmd *cobra.Command, s *session, _ []string) error {
	remote, err := cmd.Flags().GetUint16(flagRemoteDomain)
	if err != nil {
		return err
	}

	ev, err := s.client.CreateEvent(ctx, false)
	if err != nil {
		return err
	}

	call, err := s.ioctl(ctx, ioctl.EvtchnBindUnbound, &ioctl.BindUnbound{RemoteDomain: remote, Event: uint64(ev)}, 4)
	if err != nil {
		return err
	}

	var port ioctl.LocalPort

	if err = ioctl.Decode(call.Output, &port); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "port", port.LocalPort)

	for {
		if err = s.client.WaitEvent(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), "event on port", port.LocalPort)

		if _, err = s.ioctl(ctx, ioctl.EvtchnUnmask, &port, 0); err != nil {
			return err
		}
	}
}

func notify(ctx context.Context, _ *cobra.Command, s *session, args []string) error {
	port, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", args[0], err)
	}

	_, err = s.ioctl(ctx, ioctl.EvtchnNotify, &ioctl.LocalPort{LocalPort: uint32(port)}, 0)

	return err
}

func permit(ctx context.Context, cmd *cobra.Command, s *session, _ []string) error {
	flags := cmd.Flags()

	remote, err := flags.GetUint16(flagRemoteDomain)
	if err != nil {
		return err
	}

	pages, err := flags.GetUint32(flagPages)
	if err != nil {
		return err
	}

	id, err := flags.GetUint32(flagRequestID)
	if err != nil {
		return err
	}

	readOnly, err := flags.GetBool(flagReadOnly)
	if err != nil {
		return err
	}

	req := ioctl.PageRequest{
		RequestID:    id,
		RemoteDomain: remote,
		NumberPages:  pages,
	}

	if readOnly {
		req.Flags |= ioctl.FlagReadOnly
	}

	call, err := s.ioctl(ctx, ioctl.GnttabPermitForeignAccess, &req, ioctl.PermitReplySize(pages))
	if err != nil {
		return err
	}

	reply, err := ioctl.DecodePermitReply(call.Output)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "address %#x\n", reply.Address)

	for i, ref := range reply.References {
		fmt.Fprintf(cmd.OutOrStdout(), "page %d reference %d\n", i, ref)
	}

	// interrupting cancels the request, which revokes the grants
	err = call.Wait()
	if errors.Is(err, ioctl.ErrCancelled) && ctx.Err() != nil {
		return nil
	}

	return err
}

func suspendCount(ctx context.Context, cmd *cobra.Command, s *session, _ []string) error {
	call, err := s.ioctl(ctx, ioctl.SuspendGetCount, nil, 4)
	if err != nil {
		return err
	}

	var count ioctl.SuspendCount

	if err = ioctl.Decode(call.Output, &count); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), count.Count)

	return nil
}

func wallclock(ctx context.Context, cmd *cobra.Command, s *session, _ []string) error {
	var out ioctl.SharedInfoTime

	call, err := s.ioctl(ctx, ioctl.SharedInfoGetTime, nil, len(ioctl.Encode(&out)))
	if err != nil {
		return err
	}

	if err = ioctl.Decode(call.Output, &out); err != nil {
		return err
	}

	zone := "UTC"
	if out.Local != 0 {
		zone = "local"
	}

	fmt.Fprintln(cmd.OutOrStdout(), out.Wallclock().Format("2006-01-02T15:04:05.999999999"), zone)

	return nil
}

func logMessage(ctx context.Context, _ *cobra.Command, s *session, args []string) error {
	_, err := s.client.Ioctl(ctx, s.handle, ioctl.Log, ioctl.EncodeLog(args[0]), 0)

	return err
}
