package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/kumarket/checkout/client"
	"github.com/kumarket/checkout/service/flow"
	natspkg "github.com/kumarket/checkout/service/nats"
)

// consoleRenderer projects the two panes onto the terminal, one prefixed
// line per entry, newest last.
type consoleRenderer struct{}

func (consoleRenderer) Append(pane flow.Pane, entry flow.Entry) {
	prefix := "[buyer ]"
	if pane == flow.PaneSeller {
		prefix = "[seller]"
	}
	switch entry.Kind {
	case flow.EntryStep:
		fmt.Printf("%s >> %s\n", prefix, entry.Text)
	case flow.EntryError:
		fmt.Printf("%s !! %s\n", prefix, entry.Text)
	default:
		fmt.Printf("%s    %s\n", prefix, entry.Text)
	}
}

func (consoleRenderer) Reset() {
	fmt.Println("---")
}

func flowCommands() *cli.Command {
	return &cli.Command{
		Name:  "flow",
		Usage: "Guided purchase flow commands",
		Subcommands: []*cli.Command{
			demoFlowCommand(),
		},
	}
}

func demoFlowCommand() *cli.Command {
	return &cli.Command{
		Name:  "demo",
		Usage: "Run the dual-pane purchase flow interactively against a live API",
		Description: `Drives the full buyer/seller checkout flow in the terminal. You act as
both parties: the buyer requests the purchase, you decide as the seller,
pick delivery and payment as the buyer, and so on until the transaction
reaches a terminal state.

Card payment opens the payment page URL; complete it in a browser and the
flow picks the PAID status up by polling.

Example:
  checkout flow demo --product-id 50`,
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:     "product-id",
				Aliases:  []string{"p"},
				Usage:    "Product to purchase",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "poll-interval",
				Usage: "Payment status poll interval",
				Value: cfg.PollInterval,
			},
			&cli.DurationFlag{
				Name:  "payment-timeout",
				Usage: "How long to wait for card payment confirmation",
				Value: 5 * time.Minute,
			},
			&cli.BoolFlag{
				Name:  "publish",
				Usage: "Publish flow events to NATS",
			},
		},
		Action: runDemoFlow,
	}
}

func runDemoFlow(c *cli.Context) error {
	logger := newLogger(c)
	cl := client.NewClient(c.String("server"), client.NewHTTPClient(cfg.RequestTimeout), logger)

	interval := c.Duration("poll-interval")
	if interval < cfg.MinPollInterval {
		return fmt.Errorf("poll interval %v is below the %v minimum", interval, cfg.MinPollInterval)
	}

	// An explicit --server override also moves the payment page.
	paymentPage := cfg.PaymentPageURL
	if c.IsSet("server") {
		paymentPage = strings.TrimRight(c.String("server"), "/") + "/payment"
	}

	opts := flow.Options{
		Logger:       logger,
		PollInterval: interval,
		Launcher: &flow.PaymentPage{
			BaseURL: paymentPage,
			Open: func(url string) {
				fmt.Printf("\nComplete the payment in your browser:\n  %s\n\n", url)
			},
			Logger: logger,
		},
	}

	if c.Bool("publish") {
		publisher, err := natspkg.NewPublisher(c.String("nats-url"), logger)
		if err != nil {
			return fmt.Errorf("failed to connect publisher: %w", err)
		}
		defer publisher.Close()
		opts.Publisher = publisher
	}

	modal := flow.NewModal(cl, consoleRenderer{}, opts)
	defer modal.Close()

	session := modal.Open(c.Int64("product-id"))
	ctx := context.Background()
	stdin := bufio.NewScanner(os.Stdin)

	if !prompt(stdin, "Request purchase? [y/N] ") {
		return nil
	}
	if err := session.RequestPurchase(ctx); err != nil {
		return err
	}

	if prompt(stdin, "Seller: approve the request? [y/N] ") {
		if err := session.Approve(ctx); err != nil {
			return err
		}
	} else {
		if err := session.Reject(ctx); err != nil {
			return err
		}
		fmt.Println("Transaction rejected.")
		return nil
	}

	if prompt(stdin, "Buyer: use courier delivery (card payment required)? [y=courier / N=direct trade] ") {
		if err := session.ChooseDelivery(ctx, client.DeliveryCourier); err != nil {
			return err
		}
	} else {
		if err := session.ChooseDelivery(ctx, client.DirectTrade); err != nil {
			return err
		}
		payment := client.PaymentCash
		if prompt(stdin, "Buyer: pay by card? [y=card / N=cash] ") {
			payment = client.PaymentCard
		}
		if err := session.ChoosePayment(ctx, payment); err != nil {
			return err
		}
	}

	if session.State() == flow.StateAwaitingCardPayment {
		if err := session.StartCardPayment(ctx); err != nil {
			return err
		}
		if err := waitForPayment(session, c.Duration("payment-timeout")); err != nil {
			return err
		}
	}

	if session.State() == flow.StateAwaitingShipment {
		courier := ask(stdin, "Seller: courier code (CJ, LOTTE, HANJIN, POST, LOGEN): ")
		tracking := ask(stdin, "Seller: tracking number: ")
		if err := session.SubmitShipment(ctx, courier, tracking); err != nil {
			return err
		}
	}

	if session.State() == flow.StateAwaitingBuyerConfirm {
		if !prompt(stdin, "Buyer: confirm receipt? [y/N] ") {
			fmt.Println("Leaving the transaction open; re-run to continue server-side.")
			return nil
		}
		if err := session.ConfirmReceipt(ctx); err != nil {
			return err
		}
	}

	fmt.Printf("Final state: %s\n", session.State())
	return nil
}

// waitForPayment blocks until polling moves the flow out of the card
// payment state, or the timeout elapses.
func waitForPayment(session *flow.Flow, timeout time.Duration) error {
	fmt.Println("Waiting for payment confirmation...")
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if session.State() != flow.StateAwaitingCardPayment {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for payment after %v", timeout)
}

func prompt(stdin *bufio.Scanner, question string) bool {
	fmt.Print(question)
	if !stdin.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(stdin.Text()))
	return answer == "y" || answer == "yes"
}

func ask(stdin *bufio.Scanner, question string) string {
	fmt.Print(question)
	if !stdin.Scan() {
		return ""
	}
	return strings.TrimSpace(stdin.Text())
}
