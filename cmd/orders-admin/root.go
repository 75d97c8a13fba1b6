package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iota-uz/async-orders/pkg/configuration"
)

type rootOptions struct {
	envFiles []string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "orders-admin",
		Short:         "Migrations, broker topology and outbox inspection for async-orders",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env", ".env.local"}, "dotenv files to load")

	cmd.AddCommand(newMigrateCmd(opts))
	cmd.AddCommand(newTopologyCmd(opts))
	cmd.AddCommand(newOutboxCmd(opts))
	return cmd
}

func (o *rootOptions) load() (*configuration.Configuration, error) {
	conf, err := configuration.Load(o.envFiles)
	if err != nil {
		return nil, withCode(exitConfig, fmt.Errorf("load configuration: %w", err))
	}
	return conf, nil
}

func writeJSONLine(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("json encode: %w", err)
	}
	return nil
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		code := exitCode(err)
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(code)
	}
}
