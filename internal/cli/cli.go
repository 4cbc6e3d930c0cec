// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements neovim-instance-manager-control.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/btouchard/nvim-manager/internal/adapters/nvim"
	"github.com/btouchard/nvim-manager/internal/config"
	"github.com/btouchard/nvim-manager/pkg/api"
	"github.com/btouchard/nvim-manager/pkg/logger"
	sdk "github.com/btouchard/nvim-manager/sdk/golang"
)

// Exit codes.
const (
	ExitOK            = 0
	ExitProtocolError = 1
	ExitTransport     = 2
	ExitAlreadyExists = 3
	ExitNotFound      = 4
	ExitUsage         = 64
)

// ManagerClient is the part of the SDK the commands use.
type ManagerClient interface {
	Query(ctx context.Context, identifier string) (*sdk.Instance, error)
	List(ctx context.Context) ([]sdk.Instance, error)
	Register(ctx context.Context, identifier, serverAddress string) error
	Unregister(ctx context.Context, identifier string) error
	Shutdown(ctx context.Context) error
}

// EditorRemote drives a running editor.
type EditorRemote interface {
	Focus(ctx context.Context, serverAddress string) error
	QuitWithRetry(ctx context.Context, serverAddress string, attempts int, delay time.Duration) error
}

// Options wires the command tree. Zero values select production behavior.
type Options struct {
	Stdout io.Writer
	Stderr io.Writer
	Viper  *viper.Viper

	NewClient func(cfg config.Config, log *slog.Logger) ManagerClient
	NewRemote func(cfg config.Config, log *slog.Logger) EditorRemote
}

func (o *Options) defaults() {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.Viper == nil {
		o.Viper = config.NewViper()
	}
	if o.NewClient == nil {
		o.NewClient = func(cfg config.Config, log *slog.Logger) ManagerClient {
			return sdk.New(sdk.Config{
				Address:      cfg.Address(),
				ServerBinary: cfg.ServerBinary,
				Logger:       log,
			})
		}
	}
	if o.NewRemote == nil {
		o.NewRemote = func(cfg config.Config, log *slog.Logger) EditorRemote {
			return nvim.NewRemote(cfg.EditorBinary, cfg.ProbeTimeout, log)
		}
	}
}

// usageError marks command-line mistakes.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, args []string, opts Options) int {
	opts.defaults()
	root := NewRootCommand(&opts)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}

	fmt.Fprintf(opts.Stderr, "Error: %s\n", err)
	code := ExitCode(err)
	if code == ExitUsage {
		fmt.Fprintln(opts.Stderr)
		fmt.Fprint(opts.Stderr, root.UsageString())
	}
	return code
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var rpcErr *api.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case api.CodeInstanceAlreadyExists:
			return ExitAlreadyExists
		case api.CodeInstanceNotFound:
			return ExitNotFound
		default:
			return ExitProtocolError
		}
	}

	var uErr usageError
	if errors.As(err, &uErr) || strings.HasPrefix(err.Error(), "unknown command") {
		return ExitUsage
	}

	var eErr editorError
	if errors.As(err, &eErr) {
		return ExitProtocolError
	}

	return ExitTransport
}

// NewRootCommand builds the command tree.
func NewRootCommand(opts *Options) *cobra.Command {
	opts.defaults()

	root := &cobra.Command{
		Use:           "neovim-instance-manager-control",
		Short:         "Control client for neovim-instance-manager",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return usageError{errors.New("missing command")}
		},
	}
	root.SetOut(opts.Stdout)
	root.SetErr(opts.Stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	flags := root.PersistentFlags()
	flags.Int("port", config.DefaultPort, "manager port")
	flags.Bool("debug", false, "trace client activity on stderr")
	_ = opts.Viper.BindPFlag("port", flags.Lookup("port"))
	_ = opts.Viper.BindPFlag("debug", flags.Lookup("debug"))

	env := &environment{opts: opts}

	root.AddCommand(
		newQueryCommand(env),
		newListCommand(env),
		newRegisterCommand(env),
		newUnregisterCommand(env),
		newShutdownCommand(env),
		newFocusCommand(env),
		newQuitCommand(env),
	)
	return root
}

func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// environment resolves configuration lazily, after flags are parsed.
type environment struct {
	opts *Options
}

func (e *environment) load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(e.opts.Viper)
	if err != nil {
		return config.Config{}, nil, usageError{err}
	}
	var log *slog.Logger
	if cfg.Debug {
		log = logger.New(e.opts.Stderr, "debug")
	} else {
		log = logger.Discard()
	}
	return cfg, log, nil
}

func (e *environment) client() (ManagerClient, error) {
	cfg, log, err := e.load()
	if err != nil {
		return nil, err
	}
	log.Debug("connecting to manager", "addr", cfg.Address())
	return e.opts.NewClient(cfg, log), nil
}
