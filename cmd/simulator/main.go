// SPDX-License-Identifier: AGPL-3.0-or-later

// Command simulator drives a manager with concurrent clients to check
// registration races and measure request latency.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/btouchard/nvim-manager/internal/config"
	"github.com/btouchard/nvim-manager/pkg/api"
	"github.com/btouchard/nvim-manager/pkg/logger"
	sdk "github.com/btouchard/nvim-manager/sdk/golang"
)

type options struct {
	addr     string
	noSpawn  bool
	logLevel string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "simulator",
		Short:        "Exercise a neovim-instance-manager with concurrent clients",
		SilenceUsage: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.addr, "addr", fmt.Sprintf("%s:%d", config.DefaultBindAddr, config.DefaultPort), "manager address")
	flags.BoolVar(&opts.noSpawn, "no-spawn", false, "fail instead of starting a manager")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level")

	root.AddCommand(newRaceCommand(opts), newLoadCommand(opts))
	return root
}

func (o *options) client(log *slog.Logger) *sdk.Client {
	return sdk.New(sdk.Config{
		Address: o.addr,
		NoSpawn: o.noSpawn,
		Logger:  log,
	})
}

func newRaceCommand(opts *options) *cobra.Command {
	var (
		clients    int
		identifier string
		address    string
	)
	cmd := &cobra.Command{
		Use:   "race",
		Short: "Register one identifier from many clients at once",
		Long:  "Exactly one registration must succeed; every other client must get Instance already exists.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.New(os.Stderr, opts.logLevel).With("component", "race")
			client := opts.client(log)
			ctx := cmd.Context()

			if err := client.EnsureServerRunning(ctx); err != nil {
				return err
			}
			// Start from a clean slate; a missing instance is fine.
			if err := client.Unregister(ctx, identifier); err != nil && !isCode(err, api.CodeInstanceNotFound) {
				return err
			}

			var ok, dup atomic.Int64
			start := make(chan struct{})
			g, gctx := errgroup.WithContext(ctx)
			for i := 0; i < clients; i++ {
				g.Go(func() error {
					<-start
					err := client.Register(gctx, identifier, address)
					switch {
					case err == nil:
						ok.Add(1)
					case isCode(err, api.CodeInstanceAlreadyExists):
						dup.Add(1)
					default:
						return err
					}
					return nil
				})
			}
			close(start)
			if err := g.Wait(); err != nil {
				return err
			}

			log.Info("race finished", "clients", clients, "registered", ok.Load(), "already_exists", dup.Load())
			_ = client.Unregister(ctx, identifier)

			if ok.Load() != 1 {
				return fmt.Errorf("expected exactly one successful registration, got %d", ok.Load())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: 1 registered, %d rejected\n", dup.Load())
			return nil
		},
	}
	cmd.Flags().IntVar(&clients, "clients", 16, "concurrent clients")
	cmd.Flags().StringVar(&identifier, "identifier", "/tmp/simulator-race", "contested identifier")
	cmd.Flags().StringVar(&address, "server-address", "127.0.0.1:1", "endpoint recorded for the instance")
	return cmd
}

func newLoadCommand(opts *options) *cobra.Command {
	var (
		workers    int
		iterations int
	)
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Run register/query/list/unregister cycles from parallel workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.New(os.Stderr, opts.logLevel).With("component", "load")
			client := opts.client(log)
			ctx := cmd.Context()

			if err := client.EnsureServerRunning(ctx); err != nil {
				return err
			}

			stats := newLatencies()
			started := time.Now()

			g, gctx := errgroup.WithContext(ctx)
			for w := 0; w < workers; w++ {
				w := w
				g.Go(func() error {
					return cycle(gctx, client, stats, w, iterations)
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			elapsed := time.Since(started)
			for _, method := range stats.methods() {
				p50, p99, n := stats.summary(method)
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s n=%-6d p50=%-10s p99=%s\n", method, n, p50, p99)
			}
			log.Info("load finished", "workers", workers, "iterations", iterations, "elapsed", elapsed)
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 8, "parallel workers")
	cmd.Flags().IntVar(&iterations, "iterations", 50, "cycles per worker")
	return cmd
}

// cycle registers a worker-private identifier, reads it back and removes
// it again. The recorded endpoint is not a live editor, so list sweeps
// from other workers may evict it: NotFound on unregister is tolerated.
func cycle(ctx context.Context, client *sdk.Client, stats *latencies, worker, iterations int) error {
	for i := 0; i < iterations; i++ {
		identifier := fmt.Sprintf("/tmp/simulator-load/%d/%d", worker, i)

		t := time.Now()
		if err := client.Register(ctx, identifier, "127.0.0.1:1"); err != nil {
			return fmt.Errorf("register %s: %w", identifier, err)
		}
		stats.add(api.MethodRegisterInstance, time.Since(t))

		t = time.Now()
		if _, err := client.Query(ctx, identifier); err != nil {
			return fmt.Errorf("query %s: %w", identifier, err)
		}
		stats.add(api.MethodQueryInstance, time.Since(t))

		if i%10 == 0 {
			t = time.Now()
			if _, err := client.List(ctx); err != nil {
				return fmt.Errorf("list: %w", err)
			}
			stats.add(api.MethodListInstances, time.Since(t))
		}

		t = time.Now()
		if err := client.Unregister(ctx, identifier); err != nil && !isCode(err, api.CodeInstanceNotFound) {
			return fmt.Errorf("unregister %s: %w", identifier, err)
		}
		stats.add(api.MethodUnregisterInstance, time.Since(t))
	}
	return nil
}

func isCode(err error, code int) bool {
	var rpcErr *api.Error
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}

type latencies struct {
	mu      sync.Mutex
	samples map[string][]time.Duration
}

func newLatencies() *latencies {
	return &latencies{samples: make(map[string][]time.Duration)}
}

func (l *latencies) add(method string, d time.Duration) {
	l.mu.Lock()
	l.samples[method] = append(l.samples[method], d)
	l.mu.Unlock()
}

func (l *latencies) methods() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.samples))
	for m := range l.samples {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (l *latencies) summary(method string) (p50, p99 time.Duration, n int) {
	l.mu.Lock()
	s := append([]time.Duration(nil), l.samples[method]...)
	l.mu.Unlock()
	if len(s) == 0 {
		return 0, 0, 0
	}
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	return s[len(s)*50/100], s[(len(s)*99)/100], len(s)
}
