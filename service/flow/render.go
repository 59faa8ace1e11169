package flow

import "sync"

// Pane identifies one of the two independent message logs in the modal.
type Pane int

const (
	PaneBuyer Pane = iota
	PaneSeller
)

func (p Pane) String() string {
	if p == PaneSeller {
		return "seller"
	}
	return "buyer"
}

// Step names an interactive UI fragment. Each step belongs to exactly one
// pane and is rendered at most once per occurrence of its state.
type Step int

const (
	StepNone Step = iota
	StepRequestPurchase
	StepSellerApproval
	StepDeliveryChoice
	StepPaymentChoice
	StepCardPayment
	StepShipmentForm
	StepBuyerConfirm
)

func (s Step) String() string {
	switch s {
	case StepRequestPurchase:
		return "request_purchase"
	case StepSellerApproval:
		return "seller_approval"
	case StepDeliveryChoice:
		return "delivery_choice"
	case StepPaymentChoice:
		return "payment_choice"
	case StepCardPayment:
		return "card_payment"
	case StepShipmentForm:
		return "shipment_form"
	case StepBuyerConfirm:
		return "buyer_confirm"
	default:
		return "none"
	}
}

// EntryKind distinguishes the three things a pane can display.
type EntryKind int

const (
	// EntrySystem is a plain informational message.
	EntrySystem EntryKind = iota
	// EntryStep is an interactive prompt for the pane's next action.
	EntryStep
	// EntryError is a visible failure notice.
	EntryError
)

// Entry is one item in a pane's append-only log.
type Entry struct {
	Kind EntryKind
	Step Step
	Text string
}

// Renderer receives pane entries as the flow progresses. Implementations
// must treat each pane as an append-only log and keep it scrolled to the
// latest entry. Append must never panic on an entry it does not understand;
// unknown content degrades to a visible notice.
type Renderer interface {
	Append(pane Pane, entry Entry)
	Reset()
}

// stepPane maps a step to the pane it renders into.
func stepPane(s Step) Pane {
	switch s {
	case StepSellerApproval, StepShipmentForm:
		return PaneSeller
	default:
		return PaneBuyer
	}
}

// stepPrompt is the visible text for a step's interactive entry. An unmapped
// step yields an empty prompt, which renderStep turns into an error entry
// instead of a broken control.
func stepPrompt(s Step) string {
	switch s {
	case StepRequestPurchase:
		return "Request to purchase this item"
	case StepSellerApproval:
		return "Approve or reject the purchase request"
	case StepDeliveryChoice:
		return "Choose direct trade or courier delivery"
	case StepPaymentChoice:
		return "Choose card or cash payment"
	case StepCardPayment:
		return "Pay by card"
	case StepShipmentForm:
		return "Enter courier and tracking number"
	case StepBuyerConfirm:
		return "Confirm receipt to complete the transaction"
	default:
		return ""
	}
}

// Transcript is an in-memory Renderer holding both pane logs. It backs tests
// and the terminal renderer in the CLI; a browser front end would implement
// Renderer over its own widget tree instead.
type Transcript struct {
	mu    sync.Mutex
	panes map[Pane][]Entry
}

// NewTranscript creates an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{panes: make(map[Pane][]Entry)}
}

// Append adds an entry to the tail of a pane's log.
func (t *Transcript) Append(pane Pane, entry Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.panes[pane] = append(t.panes[pane], entry)
}

// Reset clears both panes.
func (t *Transcript) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.panes = make(map[Pane][]Entry)
}

// Entries returns a copy of a pane's log in append order.
func (t *Transcript) Entries(pane Pane) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := make([]Entry, len(t.panes[pane]))
	copy(entries, t.panes[pane])
	return entries
}

// Last returns the most recent entry of a pane, if any.
func (t *Transcript) Last(pane Pane) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := t.panes[pane]
	if len(entries) == 0 {
		return Entry{}, false
	}
	return entries[len(entries)-1], true
}

// SystemMessages returns the text of all system entries in a pane.
func (t *Transcript) SystemMessages(pane Pane) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var msgs []string
	for _, e := range t.panes[pane] {
		if e.Kind == EntrySystem {
			msgs = append(msgs, e.Text)
		}
	}
	return msgs
}
