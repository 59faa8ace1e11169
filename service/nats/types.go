package nats

import (
	"fmt"
	"time"
)

// FlowEvent is published whenever the checkout flow transitions state or
// appends a system message. It backs the site-wide chat notification feed,
// which consumes these events independently of the modal UI.
type FlowEvent struct {
	TransactionID int64     `json:"transaction_id"`
	ProductID     int64     `json:"product_id,omitempty"`
	State         string    `json:"state"`
	Pane          string    `json:"pane,omitempty"`
	Message       string    `json:"message,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Subject returns the JetStream subject for this event.
func (e *FlowEvent) Subject() string {
	return fmt.Sprintf("checkout.flow.%d", e.TransactionID)
}
