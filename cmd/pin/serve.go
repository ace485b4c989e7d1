// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/gorilla/handlers"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"pin.256lights.llc/pkg/internal/buildcache"
	"zombiezen.com/go/log"
	"zombiezen.com/go/xcontext"
)

type serveOptions struct {
	addr            string
	systemd         bool
	shutdownTimeout time.Duration
}

func newServeCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "serve [options]",
		Short:                 "serve installed specs as a buildcache",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := &serveOptions{
		addr:            "localhost:8080",
		shutdownTimeout: 10 * time.Second,
	}
	c.Flags().StringVar(&opts.addr, "addr", opts.addr, "TCP `address` to listen on")
	c.Flags().BoolVar(&opts.systemd, "systemd", false, "use sockets passed by systemd socket activation instead of --addr")
	c.Flags().DurationVar(&opts.shutdownTimeout, "shutdown-timeout", opts.shutdownTimeout, "maximum `duration` to wait for requests to finish on shutdown")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), g, opts)
	}
	return c
}

func runServe(ctx context.Context, g *globalConfig, opts *serveOptions) error {
	listeners, err := serveListeners(opts)
	if err != nil {
		return err
	}
	db, err := g.openIndex()
	if err != nil {
		for _, l := range listeners {
			l.Close()
		}
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	srv := &http.Server{
		Handler:     handlers.LoggingHandler(&logWriter{ctx: ctx}, buildcache.NewHandler(db)),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	grp, grpCtx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		closer := xcontext.CloseWhenDone(grpCtx, l)
		log.Infof(ctx, "Listening on %v", l.Addr())
		grp.Go(func() error {
			defer closer.Close()
			err := srv.Serve(l)
			if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}
	serveErr := grp.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf(ctx, "Shutdown: %v", err)
	}
	return serveErr
}

func serveListeners(opts *serveOptions) ([]net.Listener, error) {
	if !opts.systemd {
		l, err := net.Listen("tcp", opts.addr)
		if err != nil {
			return nil, err
		}
		return []net.Listener{l}, nil
	}
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("socket activation: %v", err)
	}
	// Listeners has nil entries for passed file descriptors that are not sockets.
	n := 0
	for _, l := range listeners {
		if l != nil {
			listeners[n] = l
			n++
		}
	}
	listeners = listeners[:n]
	if len(listeners) == 0 {
		return nil, fmt.Errorf("socket activation: no sockets passed")
	}
	return listeners, nil
}

// logWriter is an [io.Writer] that logs each line written to it at info level.
type logWriter struct {
	ctx context.Context
}

func (w *logWriter) Write(p []byte) (int, error) {
	for line := range bytes.Lines(p) {
		log.Infof(w.ctx, "%s", bytes.TrimSuffix(line, []byte("\n")))
	}
	return len(p), nil
}
