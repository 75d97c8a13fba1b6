package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iota-uz/async-orders/internal/bootstrap"
	"github.com/iota-uz/async-orders/pkg/rabbitmq"
)

type topologySummary struct {
	Exchange    string   `json:"exchange"`
	Queue       string   `json:"queue"`
	DLQ         string   `json:"dlq"`
	DelayQueues []string `json:"delayQueues"`
	MaxAttempts int      `json:"maxAttempts"`
}

func summarize(t rabbitmq.Topology) topologySummary {
	seen := map[string]bool{}
	delays := []string{}
	for _, d := range t.Delays {
		name := t.DelayQueueName(d)
		if !seen[name] {
			seen[name] = true
			delays = append(delays, name)
		}
	}
	return topologySummary{
		Exchange:    t.Exchange,
		Queue:       t.Queue,
		DLQ:         t.DLQQueue,
		DelayQueues: delays,
		MaxAttempts: t.MaxAttempts,
	}
}

func newTopologyCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Manage the broker topology",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "declare",
		Short: "Declare the exchange, main queue, delay queues and DLQ",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := root.load()
			if err != nil {
				return err
			}
			defer conf.Unload()

			topology := bootstrap.Topology(conf)
			if err := topology.Validate(); err != nil {
				return withCode(exitConfig, err)
			}
			session, err := bootstrap.DialBroker(cmd.Context(), conf, conf.Logger().WithField("component", "rabbitmq"), "orders-admin")
			if err != nil {
				return withCode(exitBroker, err)
			}
			defer session.Close()

			if err := rabbitmq.Declare(session.Channel(), topology); err != nil {
				return withCode(exitBroker, fmt.Errorf("declare topology: %w", err))
			}
			return writeJSONLine(cmd.OutOrStdout(), summarize(topology))
		},
	})
	return cmd
}
