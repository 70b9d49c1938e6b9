package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/israelio/rabbit-engine/rabbitmq"
)

type publishOptions struct {
	exchange    string
	routingKey  string
	contentType string
	persistent  bool
	mandatory   bool
	confirm     bool
	count       int
	headers     []string
}

func newPublishCommand(global *globalOptions) *cobra.Command {
	opts := &publishOptions{}

	cmd := &cobra.Command{
		Use:   "publish [body]",
		Short: "Publish a message; the body is read from stdin when not given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body []byte
			if len(args) == 1 {
				body = []byte(args[0])
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return errors.Wrap(err, "read body")
				}
				body = data
			}

			headers, err := parseHeaders(opts.headers)
			if err != nil {
				return err
			}
			msg := rabbitmq.Publishing{
				Properties: rabbitmq.Properties{
					ContentType: opts.contentType,
					Headers:     headers,
				},
				Body: body,
			}
			if opts.persistent {
				msg.Properties.DeliveryMode = 2
			}

			ch, release, err := global.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			if opts.confirm {
				if err := ch.ConfirmSelect(); err != nil {
					return err
				}
			}
			for i := 0; i < opts.count; i++ {
				if err := ch.Publish(opts.exchange, opts.routingKey, msg, opts.mandatory); err != nil {
					return errors.Wrapf(err, "publish message %d", i+1)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d message(s) to %q with routing key %q\n",
				opts.count, opts.exchange, opts.routingKey)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.exchange, "exchange", "e", "", "exchange to publish to")
	f.StringVarP(&opts.routingKey, "routing-key", "k", "", "routing key")
	f.StringVar(&opts.contentType, "content-type", "text/plain", "content type property")
	f.BoolVar(&opts.persistent, "persistent", false, "mark messages persistent")
	f.BoolVar(&opts.mandatory, "mandatory", false, "fail when the message cannot be routed (needs --confirm)")
	f.BoolVar(&opts.confirm, "confirm", false, "wait for a publisher confirm for each message")
	f.IntVarP(&opts.count, "count", "n", 1, "number of copies to publish")
	f.StringSliceVarP(&opts.headers, "header", "H", nil, "header as key=value, repeatable")
	return cmd
}

func parseHeaders(pairs []string) (rabbitmq.Table, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	headers := make(rabbitmq.Table, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, errors.Errorf("header %q is not key=value", pair)
		}
		headers[key] = value
	}
	return headers, nil
}
