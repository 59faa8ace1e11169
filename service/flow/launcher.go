package flow

import (
	"fmt"
	"io"
	"log/slog"
)

// PaymentLauncher opens the external payment surface for a transaction.
// The flow never communicates with that surface; payment completion is
// observed solely by polling the transaction API.
type PaymentLauncher interface {
	LaunchPayment(transactionID int64)
}

// PaymentPage launches payments by building the payment page URL and handing
// it to an Open callback (print to terminal, open a browser tab).
type PaymentPage struct {
	// BaseURL is the payment page location, e.g. "https://shop.example/payment".
	BaseURL string

	// Open receives the full payment URL. May be nil, in which case the
	// launch is only logged.
	Open func(url string)

	Logger *slog.Logger
}

// URL returns the payment page URL for a transaction.
func (p *PaymentPage) URL(transactionID int64) string {
	return fmt.Sprintf("%s?transactionId=%d", p.BaseURL, transactionID)
}

// LaunchPayment opens the payment page for a transaction.
func (p *PaymentPage) LaunchPayment(transactionID int64) {
	url := p.URL(transactionID)
	if p.Open != nil {
		p.Open(url)
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	logger.Info("payment window opened", "transaction_id", transactionID, "url", url)
}
