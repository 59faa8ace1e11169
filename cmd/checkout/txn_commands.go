package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"

	"github.com/kumarket/checkout/client"
)

func txnCommands() *cli.Command {
	return &cli.Command{
		Name:  "txn",
		Usage: "Raw transaction API commands",
		Subcommands: []*cli.Command{
			createTxnCommand(),
			getTxnCommand(),
			approveTxnCommand(),
			rejectTxnCommand(),
			setTypeTxnCommand(),
			shipTxnCommand(),
			confirmTxnCommand(),
		},
	}
}

func apiClient(c *cli.Context) *client.Client {
	return client.NewClient(c.String("server"), client.NewHTTPClient(cfg.RequestTimeout), newLogger(c))
}

func createTxnCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Create a purchase transaction for a product",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:     "product-id",
				Aliases:  []string{"p"},
				Usage:    "Product to purchase",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			id, err := apiClient(c).Create(context.Background(), c.Int64("product-id"))
			if err != nil {
				return fmt.Errorf("failed to create transaction: %w", err)
			}
			if c.Bool("json") {
				return json.NewEncoder(os.Stdout).Encode(map[string]int64{"transactionId": id})
			}
			fmt.Printf("Created transaction %d\n", id)
			return nil
		},
	}
}

func getTxnCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Fetch the current state of a transaction",
		ArgsUsage: "TRANSACTION_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "jq",
				Usage: "Filter output with a jq expression (e.g. '.status')",
			},
		},
		Action: func(c *cli.Context) error {
			id, err := transactionIDArg(c)
			if err != nil {
				return err
			}
			txn, err := apiClient(c).Get(context.Background(), id)
			if err != nil {
				return fmt.Errorf("failed to fetch transaction: %w", err)
			}
			return outputJSON(txn, c.String("jq"))
		},
	}
}

func approveTxnCommand() *cli.Command {
	return &cli.Command{
		Name:      "approve",
		Usage:     "Approve a purchase request (seller)",
		ArgsUsage: "TRANSACTION_ID",
		Action: func(c *cli.Context) error {
			return decide(c, client.StatusApproved)
		},
	}
}

func rejectTxnCommand() *cli.Command {
	return &cli.Command{
		Name:      "reject",
		Usage:     "Reject a purchase request (seller)",
		ArgsUsage: "TRANSACTION_ID",
		Action: func(c *cli.Context) error {
			return decide(c, client.StatusRejected)
		},
	}
}

func decide(c *cli.Context, status client.Status) error {
	id, err := transactionIDArg(c)
	if err != nil {
		return err
	}
	if err := apiClient(c).SetApproval(context.Background(), id, status); err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	fmt.Printf("Transaction %d: %s\n", id, status)
	return nil
}

func setTypeTxnCommand() *cli.Command {
	return &cli.Command{
		Name:      "set-type",
		Usage:     "Record delivery service and payment method",
		ArgsUsage: "TRANSACTION_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "delivery",
				Usage:    "DIRECT_TRADE or DELIVERY_SERVICE",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "payment",
				Usage:    "CARD or CASH",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			id, err := transactionIDArg(c)
			if err != nil {
				return err
			}
			delivery := client.DeliveryService(c.String("delivery"))
			payment := client.PaymentMethod(c.String("payment"))
			if delivery == client.DeliveryCourier && payment != client.PaymentCard {
				return fmt.Errorf("courier delivery requires CARD payment")
			}
			if err := apiClient(c).SetType(context.Background(), id, delivery, payment); err != nil {
				return fmt.Errorf("failed to set transaction type: %w", err)
			}
			fmt.Printf("Transaction %d: %s / %s\n", id, delivery, payment)
			return nil
		},
	}
}

func shipTxnCommand() *cli.Command {
	return &cli.Command{
		Name:      "ship",
		Usage:     "Register courier and tracking number (seller)",
		ArgsUsage: "TRANSACTION_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "courier",
				Usage:    "Courier code (CJ, LOTTE, HANJIN, POST, LOGEN)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "tracking-number",
				Usage:    "Tracking number",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			id, err := transactionIDArg(c)
			if err != nil {
				return err
			}
			err = apiClient(c).RegisterShipment(context.Background(), id, c.String("courier"), c.String("tracking-number"))
			if err != nil {
				return fmt.Errorf("failed to register shipment: %w", err)
			}
			fmt.Printf("Transaction %d: shipment registered\n", id)
			return nil
		},
	}
}

func confirmTxnCommand() *cli.Command {
	return &cli.Command{
		Name:      "confirm",
		Usage:     "Confirm receipt and finalize the transaction (buyer)",
		ArgsUsage: "TRANSACTION_ID",
		Action: func(c *cli.Context) error {
			id, err := transactionIDArg(c)
			if err != nil {
				return err
			}
			if err := apiClient(c).Confirm(context.Background(), id); err != nil {
				return fmt.Errorf("failed to confirm transaction: %w", err)
			}
			fmt.Printf("Transaction %d: confirmed\n", id)
			return nil
		},
	}
}

func transactionIDArg(c *cli.Context) (int64, error) {
	if c.NArg() < 1 {
		return 0, fmt.Errorf("transaction id is required")
	}
	id, err := strconv.ParseInt(c.Args().Get(0), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid transaction id %q", c.Args().Get(0))
	}
	return id, nil
}

// outputJSON prints v as indented JSON, optionally filtered through a jq
// expression.
func outputJSON(v any, jqExpr string) error {
	if jqExpr == "" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	query, err := gojq.Parse(jqExpr)
	if err != nil {
		return fmt.Errorf("failed to parse jq expression %q: %w", jqExpr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return fmt.Errorf("failed to compile jq expression %q: %w", jqExpr, err)
	}

	// Round-trip through JSON so gojq sees plain maps and numbers.
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	var plain any
	if err := json.Unmarshal(data, &plain); err != nil {
		return fmt.Errorf("failed to unmarshal value: %w", err)
	}

	iter := code.Run(plain)
	for {
		result, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := result.(error); isErr {
			return fmt.Errorf("jq evaluation failed: %w", err)
		}
		out, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal jq result: %w", err)
		}
		fmt.Println(string(out))
	}
	return nil
}
