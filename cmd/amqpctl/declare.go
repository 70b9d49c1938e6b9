package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/israelio/rabbit-engine/internal/protocol"
	"github.com/israelio/rabbit-engine/rabbitmq"
)

func newDeclareCommand(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "declare",
		Short: "Declare exchanges, queues and bindings",
	}
	cmd.AddCommand(
		newDeclareQueueCommand(global),
		newDeclareExchangeCommand(global),
		newDeclareBindingCommand(global),
	)
	return cmd
}

func newDeclareQueueCommand(global *globalOptions) *cobra.Command {
	var opts rabbitmq.QueueDeclareOptions

	cmd := &cobra.Command{
		Use:   "queue [name]",
		Short: "Declare a queue; an empty name lets the broker pick one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			ch, release, err := global.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			q, err := ch.QueueDeclare(name, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queue %s: %d message(s), %d consumer(s)\n", q.Name, q.Messages, q.Consumers)
			return nil
		},
	}

	f := cmd.Flags()
	f.BoolVar(&opts.Durable, "durable", false, "survive broker restarts")
	f.BoolVar(&opts.Exclusive, "exclusive", false, "restrict to this connection")
	f.BoolVar(&opts.AutoDelete, "auto-delete", false, "delete when the last consumer goes")
	f.BoolVar(&opts.Passive, "passive", false, "only check that the queue exists")
	return cmd
}

func newDeclareExchangeCommand(global *globalOptions) *cobra.Command {
	var (
		kind string
		opts rabbitmq.ExchangeDeclareOptions
	)

	cmd := &cobra.Command{
		Use:   "exchange <name>",
		Short: "Declare an exchange",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, release, err := global.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			if err := ch.ExchangeDeclare(args[0], kind, opts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exchange %s (%s) declared\n", args[0], kind)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&kind, "type", "t", protocol.ExchangeTypeDirect, "direct, fanout, topic or headers")
	f.BoolVar(&opts.Durable, "durable", false, "survive broker restarts")
	f.BoolVar(&opts.AutoDelete, "auto-delete", false, "delete when the last binding goes")
	f.BoolVar(&opts.Internal, "internal", false, "only reachable through exchange bindings")
	f.BoolVar(&opts.Passive, "passive", false, "only check that the exchange exists")
	return cmd
}

func newDeclareBindingCommand(global *globalOptions) *cobra.Command {
	var routingKey string

	cmd := &cobra.Command{
		Use:   "binding <queue> <exchange>",
		Short: "Bind a queue to an exchange",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, release, err := global.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			if err := ch.QueueBind(args[0], args[1], routingKey, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queue %s bound to %s with %q\n", args[0], args[1], routingKey)
			return nil
		},
	}
	cmd.Flags().StringVarP(&routingKey, "routing-key", "k", "", "binding key")
	return cmd
}
