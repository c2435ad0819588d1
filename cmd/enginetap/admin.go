package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nkkko/engine-tap/pkg/client"
	"github.com/spf13/cobra"
)

// engineCall runs one REST call against the configured engine and prints
// the decoded body as indented JSON
func engineCall(opts *rootOptions, call func(ctx context.Context, c *client.Client) (any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := opts.load()
		if err != nil {
			return err
		}
		result, err := call(cmd.Context(), cfg.NewClient())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRefreshCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Ask the engine to refresh its caches",
		Args:  cobra.NoArgs,
		RunE: engineCall(opts, func(ctx context.Context, c *client.Client) (any, error) {
			return c.RefreshCache(ctx)
		}),
	}
}

func newRestartCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Ask the engine to restart",
		Args:  cobra.NoArgs,
		RunE: engineCall(opts, func(ctx context.Context, c *client.Client) (any, error) {
			return c.Restart(ctx)
		}),
	}
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read or change the engine's runtime configuration",
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Print the engine configuration",
		Args:  cobra.NoArgs,
		RunE: engineCall(opts, func(ctx context.Context, c *client.Client) (any, error) {
			return c.GetConfig(ctx)
		}),
	}

	patch := &cobra.Command{
		Use:   "patch [JSON | @file | -]",
		Short: "Apply a partial configuration update",
		Long:  "Apply a partial configuration update given inline, from a file (@path) or from stdin (-).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readPatch(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			return engineCall(opts, func(ctx context.Context, c *client.Client) (any, error) {
				return c.PatchConfig(ctx, body)
			})(cmd, args)
		},
	}

	exportEnv := &cobra.Command{
		Use:   "export-env",
		Short: "Ask the engine to export its configuration as environment variables",
		Args:  cobra.NoArgs,
		RunE: engineCall(opts, func(ctx context.Context, c *client.Client) (any, error) {
			return c.ExportEnv(ctx)
		}),
	}

	cmd.AddCommand(get, patch, exportEnv)
	return cmd
}

func readPatch(arg string, stdin io.Reader) (map[string]any, error) {
	var raw []byte
	switch {
	case arg == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read patch from stdin: %w", err)
		}
		raw = b
	case strings.HasPrefix(arg, "@"):
		b, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, fmt.Errorf("read patch file: %w", err)
		}
		raw = b
	default:
		raw = []byte(arg)
	}

	var patch map[string]any
	if err := json.Unmarshal(raw, &patch); err != nil {
		return nil, fmt.Errorf("patch must be a JSON object: %w", err)
	}
	return patch, nil
}
