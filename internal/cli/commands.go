// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/btouchard/nvim-manager/pkg/api"
	sdk "github.com/btouchard/nvim-manager/sdk/golang"
)

const (
	quitAttempts = 3
	quitDelay    = 500 * time.Millisecond
)

// editorError is a failure reported by the editor rather than the manager.
type editorError struct{ err error }

func (e editorError) Error() string { return e.err.Error() }
func (e editorError) Unwrap() error { return e.err }

func newQueryCommand(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "query IDENTIFIER",
		Short: "Show one registered instance",
		Long:  `Print the instance as one JSON line, or null when it is not registered. Does not probe.`,
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := env.client()
			if err != nil {
				return err
			}
			inst, err := client.Query(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if inst == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "null")
				return nil
			}
			data, err := json.Marshal(inst)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newListCommand(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Sweep and list live instances",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := env.client()
			if err != nil {
				return err
			}
			list, err := client.List(cmd.Context())
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(list, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newRegisterCommand(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "register IDENTIFIER SERVER_ADDRESS",
		Short: "Register an editor instance",
		Args:  usageArgs(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := env.client()
			if err != nil {
				return err
			}
			if err := client.Register(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Success: %s\n", api.ResultRegistered)
			return nil
		},
	}
}

func newUnregisterCommand(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "unregister IDENTIFIER",
		Short: "Remove an editor instance",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := env.client()
			if err != nil {
				return err
			}
			if err := client.Unregister(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Success: %s\n", api.ResultUnregistered)
			return nil
		},
	}
}

func newShutdownCommand(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Stop the manager",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := env.client()
			if err != nil {
				return err
			}
			if err := client.Shutdown(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Manager shutdown requested")
			return nil
		},
	}
}

func newFocusCommand(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "focus IDENTIFIER",
		Short: "Bring an instance's window to the front",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote, inst, err := env.lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := remote.Focus(cmd.Context(), inst.ServerAddress); err != nil {
				return editorError{err}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Success: focused")
			return nil
		},
	}
}

func newQuitCommand(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "quit IDENTIFIER",
		Short: "Ask an instance to quit",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote, inst, err := env.lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := remote.QuitWithRetry(cmd.Context(), inst.ServerAddress, quitAttempts, quitDelay); err != nil {
				return editorError{err}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Success: quit sent")
			return nil
		},
	}
}

// lookup resolves identifier to its registered instance.
func (e *environment) lookup(ctx context.Context, identifier string) (EditorRemote, *sdk.Instance, error) {
	cfg, log, err := e.load()
	if err != nil {
		return nil, nil, err
	}
	client := e.opts.NewClient(cfg, log)

	inst, err := client.Query(ctx, identifier)
	if err != nil {
		return nil, nil, err
	}
	if inst == nil {
		return nil, nil, api.NewError(api.CodeInstanceNotFound, "Instance not found",
			api.IdentifierData{Identifier: identifier})
	}
	return e.opts.NewRemote(cfg, log), inst, nil
}
