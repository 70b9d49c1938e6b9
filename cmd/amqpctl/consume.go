package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/israelio/rabbit-engine/rabbitmq"
)

type consumeOptions struct {
	count    int
	autoAck  bool
	prefetch int
	idle     time.Duration
	verbose  bool
}

func newConsumeCommand(global *globalOptions) *cobra.Command {
	opts := &consumeOptions{}

	cmd := &cobra.Command{
		Use:   "consume <queue>",
		Short: "Print messages from a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, release, err := global.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			if opts.prefetch > 0 {
				if err := ch.Qos(opts.prefetch, 0, false); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			received := 0
			for d, err := range ch.Consume(args[0], rabbitmq.ConsumeOptions{AutoAck: opts.autoAck}, opts.idle) {
				if err != nil {
					return err
				}
				if d == nil {
					break
				}
				received++
				if opts.verbose {
					fmt.Fprintf(out, "[%d] exchange=%q key=%q redelivered=%t %s\n",
						d.DeliveryTag, d.Exchange, d.RoutingKey, d.Redelivered, d.Body)
				} else {
					fmt.Fprintf(out, "%s\n", d.Body)
				}
				if !opts.autoAck {
					if err := d.Ack(false); err != nil {
						return err
					}
				}
				if opts.count > 0 && received >= opts.count {
					break
				}
			}

			requeued, err := ch.CancelConsumer()
			if err != nil {
				return err
			}
			if requeued > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "requeued %d undelivered message(s)\n", requeued)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVarP(&opts.count, "count", "n", 0, "stop after this many messages (0 for no limit)")
	f.BoolVar(&opts.autoAck, "auto-ack", false, "let the broker consider messages acked on delivery")
	f.IntVar(&opts.prefetch, "prefetch", 0, "prefetch count (0 for unlimited)")
	f.DurationVar(&opts.idle, "idle", 0, "stop after this long without a message (0 waits forever)")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "print delivery metadata")
	return cmd
}
