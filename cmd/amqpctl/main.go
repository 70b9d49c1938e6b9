// Command amqpctl publishes, consumes and declares topology against an
// AMQP 0-9-1 broker using the blocking connection adapter.
package main

import (
	"os"

	"github.com/israelio/rabbit-engine/internal/logging"
)

func main() {
	logging.ConfigureRuntime()
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
