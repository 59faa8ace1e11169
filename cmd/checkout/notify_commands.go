package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"

	natspkg "github.com/kumarket/checkout/service/nats"
)

func notifyCommands() *cli.Command {
	return &cli.Command{
		Name:  "notify",
		Usage: "Flow notification stream commands",
		Subcommands: []*cli.Command{
			subscribeCommand(),
		},
	}
}

// subscribeCommand tails flow events for one transaction, or all of them.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to checkout flow events",
		ArgsUsage: "[transaction_id]",
		Description: `Subscribe to real-time flow events published to NATS JetStream.

Events are published to the subject: checkout.flow.{transaction_id}.
With no argument, all transactions are streamed.

Example:
  checkout notify subscribe 7 --json`,
		Action: func(c *cli.Context) error {
			subject := natspkg.StreamSubjects
			if c.NArg() > 0 {
				subject = fmt.Sprintf("checkout.flow.%s", c.Args().Get(0))
			}
			return streamFlowEvents(c.String("nats-url"), subject, c.Bool("json"))
		},
	}
}

func streamFlowEvents(natsURL, subject string, jsonOutput bool) error {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	if !jsonOutput {
		fmt.Printf("Subscribed to %s (ctrl-c to stop)\n\n", subject)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		defer msg.Ack()

		var event natspkg.FlowEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			fmt.Fprintf(os.Stderr, "failed to decode event: %v\n", err)
			return
		}

		if jsonOutput {
			out, _ := json.Marshal(event)
			fmt.Println(string(out))
			return
		}

		line := fmt.Sprintf("%s txn=%d state=%s",
			event.OccurredAt.Format("15:04:05"), event.TransactionID, event.State)
		if event.Message != "" {
			line += fmt.Sprintf(" [%s] %s", event.Pane, event.Message)
		}
		fmt.Println(line)
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer cc.Stop()

	<-ctx.Done()
	return nil
}
