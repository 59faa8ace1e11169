package flow

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/kumarket/checkout/client"
	"github.com/kumarket/checkout/service/metrics"
	natspkg "github.com/kumarket/checkout/service/nats"
)

// TransactionAPI is the slice of the transaction gateway the flow drives.
// *client.Client satisfies it.
type TransactionAPI interface {
	Create(ctx context.Context, productID int64) (int64, error)
	SetApproval(ctx context.Context, transactionID int64, status client.Status) error
	SetType(ctx context.Context, transactionID int64, delivery client.DeliveryService, payment client.PaymentMethod) error
	Get(ctx context.Context, transactionID int64) (*client.Transaction, error)
	RegisterShipment(ctx context.Context, transactionID int64, courier, trackingNumber string) error
	Confirm(ctx context.Context, transactionID int64) error
}

// System message text, one constant per pane per milestone.
const (
	msgBuyerRequesting    = "Requesting purchase..."
	msgBuyerRequested     = "You requested the purchase."
	msgSellerRequested    = "A purchase request has arrived."
	msgBuyerRequestFailed = "Purchase request failed."

	msgSellerApproved     = "You approved the transaction."
	msgBuyerApproved      = "The seller approved the transaction."
	msgSellerRejected     = "You rejected the transaction."
	msgBuyerRejected      = "The seller rejected the transaction."
	msgSellerDecideFailed = "Failed to process the decision."
	msgBuyerChoiceFailed  = "Something went wrong while recording your choice."
	msgBuyerCardSelected  = "You selected card payment."
	msgBuyerCashSelected  = "You selected cash payment."
	msgSellerCashSelected = "The buyer selected cash payment. Please prepare the trade."
	msgBuyerPaymentWindow = "Opened the payment window."
	msgSellerPaying       = "The buyer is completing payment."
	msgBuyerPaid          = "Payment confirmed."
	msgSellerPaid         = "The buyer's payment has been confirmed."
	msgBuyerPollFailed    = "Could not verify payment status."
	msgSellerShipped      = "Tracking information registered."
	msgBuyerShipped       = "The seller has shipped the item."
	msgSellerShipFailed   = "Failed to register tracking information."
	msgBuyerConfirmed     = "The transaction completed successfully."
	msgSellerConfirmed    = "The buyer confirmed receipt. The transaction is closed."
	msgBuyerConfirmFailed = "Failed to confirm the purchase."
	msgAuthRequiredNotice = "Sign in required. The checkout flow has been stopped."
)

// knownCouriers is the set of carriers the shipment form accepts.
var knownCouriers = map[string]bool{
	"CJ":     true,
	"LOTTE":  true,
	"HANJIN": true,
	"POST":   true,
	"LOGEN":  true,
}

// Options carries the optional collaborators of a flow session.
type Options struct {
	// Launcher opens the payment surface. Nil disables the launch (the
	// poll-driven transition still works, which tests rely on).
	Launcher PaymentLauncher

	// Publisher receives flow events for the site-wide notification feed.
	// Nil disables publishing.
	Publisher natspkg.Publisher

	// Metrics records transitions and poll cycles. Nil disables recording.
	Metrics *metrics.Metrics

	Logger *slog.Logger

	// PollInterval is the payment probe interval. Zero means 3 seconds.
	PollInterval time.Duration
}

// Flow is one checkout session: the single source of client-side state for
// one purchase attempt. All state lives here, never in the rendered panes;
// rendering is a projection of the current State.
type Flow struct {
	mu            sync.Mutex
	state         State
	busy          bool
	transactionID int64
	productID     int64
	delivery      client.DeliveryService
	payment       client.PaymentMethod
	poller        *Poller

	api          TransactionAPI
	renderer     Renderer
	launcher     PaymentLauncher
	publisher    natspkg.Publisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	pollInterval time.Duration
}

func newFlow(api TransactionAPI, renderer Renderer, productID int64, opts Options) *Flow {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	return &Flow{
		state:        StateInitial,
		productID:    productID,
		api:          api,
		renderer:     renderer,
		launcher:     opts.Launcher,
		publisher:    opts.Publisher,
		metrics:      opts.Metrics,
		logger:       logger,
		pollInterval: pollInterval,
	}
}

// State returns the session's current state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// TransactionID returns the active transaction id, or zero before creation.
func (f *Flow) TransactionID() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transactionID
}

// begin validates that a transition may start and marks the session busy.
// Duplicate or out-of-order calls fail fast instead of queueing; the server
// is never asked to do the same step twice concurrently.
func (f *Flow) begin(op string, expected State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateClosed {
		return ErrSessionClosed
	}
	if f.state != expected || f.busy {
		return &InvalidStateError{Op: op, State: f.state}
	}
	f.busy = true
	return nil
}

func (f *Flow) end() {
	f.mu.Lock()
	f.busy = false
	f.mu.Unlock()
}

// setState commits a successful transition and records it.
func (f *Flow) setState(ctx context.Context, to State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setStateLocked(ctx, to)
}

// setStateLocked requires f.mu to be held.
func (f *Flow) setStateLocked(ctx context.Context, to State) {
	from := f.state
	f.state = to
	f.metrics.RecordTransition(from.String(), to.String(), "success")
	f.logger.Debug("flow transition", "from", from, "to", to, "transaction_id", f.transactionID)
	f.publish(ctx, f.transactionID, to, Pane(-1), "")
}

// failTransition records a transition attempt that did not commit.
func (f *Flow) failTransition(from, to State) {
	f.metrics.RecordTransition(from.String(), to.String(), "error")
}

// system appends a system message to a pane and feeds the notification
// stream.
func (f *Flow) system(ctx context.Context, pane Pane, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.systemLocked(ctx, pane, text)
}

// systemLocked requires f.mu to be held.
func (f *Flow) systemLocked(ctx context.Context, pane Pane, text string) {
	f.renderer.Append(pane, Entry{Kind: EntrySystem, Text: text})
	f.publish(ctx, f.transactionID, f.state, pane, text)
}

// failure appends a visible error notice to a pane.
func (f *Flow) failure(pane Pane, text string) {
	f.renderer.Append(pane, Entry{Kind: EntryError, Text: text})
}

// renderStep projects the next interactive step into its pane. A step with
// no prompt degrades to a visible error entry rather than a broken control.
func (f *Flow) renderStep(step Step) {
	prompt := stepPrompt(step)
	pane := stepPane(step)
	if prompt == "" {
		f.logger.Error("no prompt for step", "step", int(step))
		f.renderer.Append(pane, Entry{Kind: EntryError, Text: "This step's UI is unavailable."})
		return
	}
	f.renderer.Append(pane, Entry{Kind: EntryStep, Step: step, Text: prompt})
}

// publish sends a flow event, best effort. Publishing never fails a
// transition.
func (f *Flow) publish(ctx context.Context, txnID int64, state State, pane Pane, message string) {
	if f.publisher == nil || txnID == 0 {
		return
	}
	event := &natspkg.FlowEvent{
		TransactionID: txnID,
		ProductID:     f.productID,
		State:         state.String(),
		OccurredAt:    time.Now().UTC(),
	}
	if pane >= 0 {
		event.Pane = pane.String()
	}
	if message != "" {
		event.Message = message
	}
	if err := f.publisher.PublishFlowEvent(ctx, event); err != nil {
		f.logger.Error("failed to publish flow event", "transaction_id", txnID, "error", err)
	}
}

// haltForAuth stops the session after the server demanded a login. No
// further transitions are attempted; the user must reopen the modal once
// signed in.
func (f *Flow) haltForAuth(pane Pane) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failure(pane, msgAuthRequiredNotice)
	f.state = StateClosed
	if f.poller != nil {
		f.poller.Stop()
		f.poller = nil
	}
}

// callAPI runs one gateway call and records its duration.
func (f *Flow) callAPI(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	result := "success"
	if err != nil {
		result = "error"
	}
	f.metrics.RecordAPIRequest(operation, result, time.Since(start))
	return err
}

// RequestPurchase creates the transaction for the session's product. Buyer
// action; valid only in the initial state.
func (f *Flow) RequestPurchase(ctx context.Context) error {
	if err := f.begin("request purchase", StateInitial); err != nil {
		return err
	}
	defer f.end()

	f.system(ctx, PaneBuyer, msgBuyerRequesting)

	var id int64
	err := f.callAPI("create", func() error {
		var err error
		id, err = f.api.Create(ctx, f.productID)
		return err
	})
	if err != nil {
		f.failTransition(StateInitial, StateAwaitingApproval)
		if client.IsAuthRequired(err) {
			f.haltForAuth(PaneBuyer)
			return err
		}
		// State unchanged; the request step stays actionable for a retry.
		f.failure(PaneBuyer, msgBuyerRequestFailed)
		return err
	}

	f.mu.Lock()
	f.transactionID = id
	f.mu.Unlock()

	f.system(ctx, PaneBuyer, msgBuyerRequested)
	f.system(ctx, PaneSeller, msgSellerRequested)
	f.setState(ctx, StateAwaitingApproval)
	f.renderStep(StepSellerApproval)
	return nil
}

// Approve records the seller's approval of the purchase request.
func (f *Flow) Approve(ctx context.Context) error {
	return f.decide(ctx, client.StatusApproved)
}

// Reject records the seller's rejection of the purchase request. Terminal.
func (f *Flow) Reject(ctx context.Context) error {
	return f.decide(ctx, client.StatusRejected)
}

func (f *Flow) decide(ctx context.Context, status client.Status) error {
	if err := f.begin("approval decision", StateAwaitingApproval); err != nil {
		return err
	}
	defer f.end()

	target := StateAwaitingDeliveryChoice
	if status == client.StatusRejected {
		target = StateRejected
	}

	err := f.callAPI("set_approval", func() error {
		return f.api.SetApproval(ctx, f.TransactionID(), status)
	})
	if err != nil {
		f.failTransition(StateAwaitingApproval, target)
		if client.IsAuthRequired(err) {
			f.haltForAuth(PaneSeller)
			return err
		}
		// Failure stays on the seller's side; the buyer pane is untouched.
		f.failure(PaneSeller, msgSellerDecideFailed)
		return err
	}

	if status == client.StatusApproved {
		f.system(ctx, PaneSeller, msgSellerApproved)
		f.system(ctx, PaneBuyer, msgBuyerApproved)
		f.setState(ctx, StateAwaitingDeliveryChoice)
		f.renderStep(StepDeliveryChoice)
	} else {
		f.system(ctx, PaneSeller, msgSellerRejected)
		f.system(ctx, PaneBuyer, msgBuyerRejected)
		f.setState(ctx, StateRejected)
	}
	return nil
}

// ChooseDelivery records the buyer's delivery mode. Courier delivery forces
// card payment and skips the payment choice entirely; direct trade advances
// to the payment choice without a server call.
func (f *Flow) ChooseDelivery(ctx context.Context, delivery client.DeliveryService) error {
	if err := f.begin("delivery choice", StateAwaitingDeliveryChoice); err != nil {
		return err
	}
	defer f.end()

	switch delivery {
	case client.DeliveryCourier:
		return f.updateType(ctx, StateAwaitingDeliveryChoice, client.DeliveryCourier, client.PaymentCard)
	case client.DirectTrade:
		f.setState(ctx, StateAwaitingPaymentChoice)
		f.renderStep(StepPaymentChoice)
		return nil
	default:
		return &ValidationError{Field: "delivery service", Reason: "must be DIRECT_TRADE or DELIVERY_SERVICE"}
	}
}

// ChoosePayment records the buyer's payment method for a direct trade.
func (f *Flow) ChoosePayment(ctx context.Context, payment client.PaymentMethod) error {
	if err := f.begin("payment choice", StateAwaitingPaymentChoice); err != nil {
		return err
	}
	defer f.end()

	if payment != client.PaymentCard && payment != client.PaymentCash {
		return &ValidationError{Field: "payment method", Reason: "must be CARD or CASH"}
	}
	return f.updateType(ctx, StateAwaitingPaymentChoice, client.DirectTrade, payment)
}

// updateType is the shared type-recording transition. The delivery service
// and payment method are write-once; on an ambiguous failure the state is
// left unchanged so the same choice can be re-sent manually (the server
// treats an identical re-send as a no-op).
func (f *Flow) updateType(ctx context.Context, from State, delivery client.DeliveryService, payment client.PaymentMethod) error {
	target := StateAwaitingBuyerConfirm
	if payment == client.PaymentCard {
		target = StateAwaitingCardPayment
	}

	err := f.callAPI("set_type", func() error {
		return f.api.SetType(ctx, f.TransactionID(), delivery, payment)
	})
	if err != nil {
		f.failTransition(from, target)
		if client.IsAuthRequired(err) {
			f.haltForAuth(PaneBuyer)
			return err
		}
		f.failure(PaneBuyer, msgBuyerChoiceFailed)
		return err
	}

	f.mu.Lock()
	f.delivery = delivery
	f.payment = payment
	f.mu.Unlock()

	if payment == client.PaymentCard {
		f.system(ctx, PaneBuyer, msgBuyerCardSelected)
		f.setState(ctx, StateAwaitingCardPayment)
		f.renderStep(StepCardPayment)
	} else {
		f.system(ctx, PaneBuyer, msgBuyerCashSelected)
		f.system(ctx, PaneSeller, msgSellerCashSelected)
		f.setState(ctx, StateAwaitingBuyerConfirm)
		f.renderStep(StepBuyerConfirm)
	}
	return nil
}

// StartCardPayment opens the payment window and begins polling for the PAID
// status. Calling it again while a poller is active replaces the poller,
// leaving exactly one running.
func (f *Flow) StartCardPayment(ctx context.Context) error {
	if err := f.begin("card payment", StateAwaitingCardPayment); err != nil {
		return err
	}
	defer f.end()

	txnID := f.TransactionID()
	if f.launcher != nil {
		f.launcher.LaunchPayment(txnID)
	}
	f.system(ctx, PaneBuyer, msgBuyerPaymentWindow)
	f.system(ctx, PaneSeller, msgSellerPaying)

	f.mu.Lock()
	if f.poller != nil {
		f.poller.Stop()
	}
	f.poller = startPoller(f.api, txnID, f.pollInterval, f.logger, f.metrics,
		func(txn *client.Transaction) { f.onPaid(txn) },
		func(err error) { f.onPollError(txnID, err) },
	)
	f.mu.Unlock()
	return nil
}

// onPaid runs on the poller goroutine once PAID is observed. The session may
// have been closed or rebound while the probe was in flight, so the
// transaction id and state are re-checked under the same lock the commit
// happens under: a Close landing mid-callback either runs before the check
// and the result is dropped, or after the commit and the panes are reset
// last. Nothing can land between the check and the commit.
func (f *Flow) onPaid(txn *client.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateAwaitingCardPayment || f.transactionID != txn.TransactionID {
		f.logger.Debug("dropping stale payment confirmation", "transaction_id", txn.TransactionID)
		return
	}
	// Payment is confirmed; whichever poller is current is obsolete.
	if f.poller != nil {
		f.poller.Stop()
		f.poller = nil
	}

	ctx := context.Background()
	f.systemLocked(ctx, PaneBuyer, msgBuyerPaid)
	f.systemLocked(ctx, PaneSeller, msgSellerPaid)

	if txn.DeliveryService == client.DeliveryCourier {
		f.setStateLocked(ctx, StateAwaitingShipment)
		f.renderStep(StepShipmentForm)
	} else {
		f.setStateLocked(ctx, StateAwaitingBuyerConfirm)
		f.renderStep(StepBuyerConfirm)
	}
}

// onPollError runs on the poller goroutine after a failed probe. The poller
// has already stopped itself; the flow stalls until the user retries or the
// modal closes. Check and render share one critical section, as in onPaid.
func (f *Flow) onPollError(transactionID int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateAwaitingCardPayment || f.transactionID != transactionID {
		return
	}
	f.poller = nil
	f.logger.Error("payment polling stopped", "transaction_id", transactionID, "error", err)
	f.failure(PaneBuyer, msgBuyerPollFailed)
}

// SubmitShipment registers courier and tracking details. Seller action.
// Input is validated before any network call; on failure the form stays
// open.
func (f *Flow) SubmitShipment(ctx context.Context, courier, trackingNumber string) error {
	if err := f.begin("shipment", StateAwaitingShipment); err != nil {
		return err
	}
	defer f.end()

	if err := validateShipment(courier, trackingNumber); err != nil {
		f.failure(PaneSeller, err.Error())
		return err
	}

	err := f.callAPI("register_shipment", func() error {
		return f.api.RegisterShipment(ctx, f.TransactionID(), courier, trackingNumber)
	})
	if err != nil {
		f.failTransition(StateAwaitingShipment, StateAwaitingBuyerConfirm)
		if client.IsAuthRequired(err) {
			f.haltForAuth(PaneSeller)
			return err
		}
		f.failure(PaneSeller, msgSellerShipFailed)
		return err
	}

	f.system(ctx, PaneSeller, msgSellerShipped)
	f.system(ctx, PaneBuyer, msgBuyerShipped)
	f.setState(ctx, StateAwaitingBuyerConfirm)
	f.renderStep(StepBuyerConfirm)
	return nil
}

func validateShipment(courier, trackingNumber string) error {
	if courier == "" {
		return &ValidationError{Field: "courier", Reason: "courier is required"}
	}
	if !knownCouriers[courier] {
		return &ValidationError{Field: "courier", Reason: "unknown courier " + courier}
	}
	if trackingNumber == "" {
		return &ValidationError{Field: "tracking number", Reason: "tracking number is required"}
	}
	return nil
}

// ConfirmReceipt finalizes the transaction. Buyer action; terminal on
// success. On failure the confirm step is rendered again so the buyer can
// retry.
func (f *Flow) ConfirmReceipt(ctx context.Context) error {
	if err := f.begin("confirm receipt", StateAwaitingBuyerConfirm); err != nil {
		return err
	}
	defer f.end()

	err := f.callAPI("confirm", func() error {
		return f.api.Confirm(ctx, f.TransactionID())
	})
	if err != nil {
		f.failTransition(StateAwaitingBuyerConfirm, StateConfirmed)
		if client.IsAuthRequired(err) {
			f.haltForAuth(PaneBuyer)
			return err
		}
		f.failure(PaneBuyer, msgBuyerConfirmFailed)
		f.renderStep(StepBuyerConfirm)
		return err
	}

	f.system(ctx, PaneBuyer, msgBuyerConfirmed)
	f.system(ctx, PaneSeller, msgSellerConfirmed)
	f.setState(ctx, StateConfirmed)
	return nil
}

// close tears the session down: any active poller is cancelled and the
// transaction reference is dropped. The transaction itself lives on
// server-side; this session just forgets it.
func (f *Flow) close() {
	f.mu.Lock()
	if f.state == StateClosed {
		f.mu.Unlock()
		return
	}
	poller := f.poller
	f.poller = nil
	f.state = StateClosed
	f.transactionID = 0
	f.mu.Unlock()

	if poller != nil {
		poller.Stop()
		<-poller.Done()
	}
	f.metrics.RecordFlowClosed()
	f.logger.Debug("flow session closed")
}
