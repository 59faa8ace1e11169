package flow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kumarket/checkout/client"
	natspkg "github.com/kumarket/checkout/service/nats"
)

// fakeServer is an in-memory transaction API used by flow tests.
type fakeServer struct {
	*httptest.Server

	mu       sync.Mutex
	nextID   int64
	txns     map[int64]*txnRecord
	failNext map[string]int // operation -> HTTP status to fail with, once
	counts   map[string]int
	authWall bool
}

type txnRecord struct {
	ProductID int64
	Status    client.Status
	Delivery  client.DeliveryService
	Payment   client.PaymentMethod
	Courier   string
	Tracking  string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		nextID:   7,
		txns:     make(map[int64]*txnRecord),
		failNext: make(map[string]int),
		counts:   make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/transactions", func(w http.ResponseWriter, r *http.Request) {
		if fs.intercept(w, "create") {
			return
		}
		var body struct {
			ProductID int64 `json:"productId"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		fs.mu.Lock()
		id := fs.nextID
		fs.nextID++
		fs.txns[id] = &txnRecord{ProductID: body.ProductID, Status: client.StatusRequested}
		fs.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]int64{"transactionId": id})
	})
	mux.HandleFunc("PATCH /api/transactions/{id}/approval", func(w http.ResponseWriter, r *http.Request) {
		if fs.intercept(w, "approval") {
			return
		}
		var body struct {
			Status client.Status `json:"status"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fs.withTxn(w, r, func(rec *txnRecord) { rec.Status = body.Status })
	})
	mux.HandleFunc("PATCH /api/transactions/{id}/type", func(w http.ResponseWriter, r *http.Request) {
		if fs.intercept(w, "type") {
			return
		}
		var body struct {
			DeliveryService client.DeliveryService `json:"deliveryService"`
			PaymentMethod   client.PaymentMethod   `json:"paymentMethod"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fs.withTxn(w, r, func(rec *txnRecord) {
			rec.Delivery = body.DeliveryService
			rec.Payment = body.PaymentMethod
		})
	})
	mux.HandleFunc("GET /api/transactions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if fs.intercept(w, "get") {
			return
		}
		id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
		fs.mu.Lock()
		rec, ok := fs.txns[id]
		var txn client.Transaction
		if ok {
			txn = client.Transaction{
				TransactionID:   id,
				ProductID:       rec.ProductID,
				Status:          rec.Status,
				DeliveryService: rec.Delivery,
				PaymentMethod:   rec.Payment,
			}
		}
		fs.mu.Unlock()
		if !ok {
			http.Error(w, "transaction not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(txn)
	})
	mux.HandleFunc("POST /api/transactions/{id}/shipment", func(w http.ResponseWriter, r *http.Request) {
		if fs.intercept(w, "shipment") {
			return
		}
		var body struct {
			Courier        string `json:"courier"`
			TrackingNumber string `json:"trackingNumber"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fs.withTxn(w, r, func(rec *txnRecord) {
			rec.Courier = body.Courier
			rec.Tracking = body.TrackingNumber
		})
	})
	mux.HandleFunc("POST /api/transactions/{id}/confirm", func(w http.ResponseWriter, r *http.Request) {
		if fs.intercept(w, "confirm") {
			return
		}
		fs.withTxn(w, r, func(rec *txnRecord) { rec.Status = client.StatusConfirmed })
	})

	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Server.Close)
	return fs
}

// intercept counts the call and serves a configured failure or login
// redirect instead of the real handler. Reports true when intercepted.
func (fs *fakeServer) intercept(w http.ResponseWriter, op string) bool {
	fs.mu.Lock()
	fs.counts[op]++
	code, failing := fs.failNext[op]
	if failing {
		delete(fs.failNext, op)
	}
	auth := fs.authWall
	fs.mu.Unlock()

	if auth {
		w.Header().Set("Location", "/login")
		w.WriteHeader(http.StatusFound)
		return true
	}
	if failing {
		http.Error(w, "boom", code)
		return true
	}
	return false
}

func (fs *fakeServer) withTxn(w http.ResponseWriter, r *http.Request, fn func(*txnRecord)) {
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	fs.mu.Lock()
	rec, ok := fs.txns[id]
	if ok {
		fn(rec)
	}
	fs.mu.Unlock()
	if !ok {
		http.Error(w, "transaction not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (fs *fakeServer) failOnce(op string, code int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.failNext[op] = code
}

func (fs *fakeServer) count(op string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.counts[op]
}

func (fs *fakeServer) setStatus(id int64, status client.Status) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if rec, ok := fs.txns[id]; ok {
		rec.Status = status
	}
}

func (fs *fakeServer) record(id int64) txnRecord {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if rec, ok := fs.txns[id]; ok {
		return *rec
	}
	return txnRecord{}
}

type recordingLauncher struct {
	mu       sync.Mutex
	launches []int64
}

func (l *recordingLauncher) LaunchPayment(transactionID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches = append(l.launches, transactionID)
}

func (l *recordingLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launches)
}

func newTestModal(t *testing.T, fs *fakeServer, opts Options) (*Modal, *Transcript) {
	t.Helper()
	transcript := NewTranscript()
	cl := client.NewClient(fs.URL, nil, nil)
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	modal := NewModal(cl, transcript, opts)
	t.Cleanup(modal.Close)
	return modal, transcript
}

// countOccurrences counts system messages with the given text in a pane.
func countOccurrences(transcript *Transcript, pane Pane, text string) int {
	n := 0
	for _, msg := range transcript.SystemMessages(pane) {
		if msg == text {
			n++
		}
	}
	return n
}

func stepEntries(transcript *Transcript, pane Pane) []Step {
	var steps []Step
	for _, e := range transcript.Entries(pane) {
		if e.Kind == EntryStep {
			steps = append(steps, e.Step)
		}
	}
	return steps
}

func TestCashFlow_EndToEnd(t *testing.T) {
	fs := newFakeServer(t)
	launcher := &recordingLauncher{}
	publisher := natspkg.NewMockPublisher()
	modal, transcript := newTestModal(t, fs, Options{Launcher: launcher, Publisher: publisher})

	flow := modal.Open(50)
	ctx := context.Background()

	require.NoError(t, flow.RequestPurchase(ctx))
	assert.Equal(t, int64(7), flow.TransactionID())
	assert.Equal(t, StateAwaitingApproval, flow.State())

	require.NoError(t, flow.Approve(ctx))
	assert.Equal(t, StateAwaitingDeliveryChoice, flow.State())

	require.NoError(t, flow.ChooseDelivery(ctx, client.DirectTrade))
	assert.Equal(t, StateAwaitingPaymentChoice, flow.State())

	require.NoError(t, flow.ChoosePayment(ctx, client.PaymentCash))
	assert.Equal(t, StateAwaitingBuyerConfirm, flow.State())

	require.NoError(t, flow.ConfirmReceipt(ctx))
	assert.Equal(t, StateConfirmed, flow.State())
	assert.True(t, flow.State().Terminal())

	// Exactly one milestone message per pane per step.
	assert.Equal(t, 1, countOccurrences(transcript, PaneBuyer, msgBuyerRequested))
	assert.Equal(t, 1, countOccurrences(transcript, PaneSeller, msgSellerRequested))
	assert.Equal(t, 1, countOccurrences(transcript, PaneBuyer, msgBuyerApproved))
	assert.Equal(t, 1, countOccurrences(transcript, PaneSeller, msgSellerApproved))
	assert.Equal(t, 1, countOccurrences(transcript, PaneBuyer, msgBuyerCashSelected))
	assert.Equal(t, 1, countOccurrences(transcript, PaneSeller, msgSellerCashSelected))
	assert.Equal(t, 1, countOccurrences(transcript, PaneBuyer, msgBuyerConfirmed))
	assert.Equal(t, 1, countOccurrences(transcript, PaneSeller, msgSellerConfirmed))

	// Cash never touches the payment branch: no popup, no poller.
	assert.Equal(t, 0, launcher.count())
	assert.Equal(t, 0, fs.count("get"))

	// The type update carried the direct-trade/cash pair.
	rec := fs.record(7)
	assert.Equal(t, client.DirectTrade, rec.Delivery)
	assert.Equal(t, client.PaymentCash, rec.Payment)
	assert.Equal(t, client.StatusConfirmed, rec.Status)

	// Flow events made it to the notification feed.
	events := publisher.GetEventsForTransaction(7)
	assert.NotEmpty(t, events)
}

func TestDeliveryService_ForcesCardPayment(t *testing.T) {
	fs := newFakeServer(t)
	modal, transcript := newTestModal(t, fs, Options{})

	flow := modal.Open(50)
	ctx := context.Background()
	require.NoError(t, flow.RequestPurchase(ctx))
	require.NoError(t, flow.Approve(ctx))

	require.NoError(t, flow.ChooseDelivery(ctx, client.DeliveryCourier))
	assert.Equal(t, StateAwaitingCardPayment, flow.State())

	// The type update is sent with CARD forced; the payment-choice step is
	// never rendered on this branch.
	rec := fs.record(7)
	assert.Equal(t, client.DeliveryCourier, rec.Delivery)
	assert.Equal(t, client.PaymentCard, rec.Payment)
	assert.NotContains(t, stepEntries(transcript, PaneBuyer), StepPaymentChoice)

	// Choosing a payment method afterwards is structurally impossible.
	err := flow.ChoosePayment(ctx, client.PaymentCash)
	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestApprovalFailure_IsolatedToSellerPane(t *testing.T) {
	fs := newFakeServer(t)
	modal, transcript := newTestModal(t, fs, Options{})

	flow := modal.Open(50)
	ctx := context.Background()
	require.NoError(t, flow.RequestPurchase(ctx))

	buyerBefore := len(transcript.Entries(PaneBuyer))

	fs.failOnce("approval", http.StatusInternalServerError)
	err := flow.Approve(ctx)
	require.Error(t, err)

	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)

	// No transition occurred and the buyer pane is untouched.
	assert.Equal(t, StateAwaitingApproval, flow.State())
	assert.Equal(t, buyerBefore, len(transcript.Entries(PaneBuyer)))

	last, ok := transcript.Last(PaneSeller)
	require.True(t, ok)
	assert.Equal(t, EntryError, last.Kind)

	// The seller may retry manually.
	require.NoError(t, flow.Approve(ctx))
	assert.Equal(t, StateAwaitingDeliveryChoice, flow.State())
}

func TestCardPayment_DirectTrade_RendersBuyerConfirm(t *testing.T) {
	fs := newFakeServer(t)
	launcher := &recordingLauncher{}
	modal, transcript := newTestModal(t, fs, Options{Launcher: launcher})

	flow := modal.Open(50)
	ctx := context.Background()
	require.NoError(t, flow.RequestPurchase(ctx))
	require.NoError(t, flow.Approve(ctx))
	require.NoError(t, flow.ChooseDelivery(ctx, client.DirectTrade))
	require.NoError(t, flow.ChoosePayment(ctx, client.PaymentCard))
	assert.Equal(t, StateAwaitingCardPayment, flow.State())

	require.NoError(t, flow.StartCardPayment(ctx))
	assert.Equal(t, 1, launcher.count())

	// Payment completes out of band; the poller picks it up.
	fs.setStatus(7, client.StatusPaid)
	require.Eventually(t, func() bool {
		return flow.State() == StateAwaitingBuyerConfirm
	}, 2*time.Second, 5*time.Millisecond)

	steps := stepEntries(transcript, PaneBuyer)
	assert.Contains(t, steps, StepBuyerConfirm)
	assert.NotContains(t, stepEntries(transcript, PaneSeller), StepShipmentForm)
	assert.Equal(t, 1, countOccurrences(transcript, PaneBuyer, msgBuyerPaid))
	assert.Equal(t, 1, countOccurrences(transcript, PaneSeller, msgSellerPaid))
}

func TestCardPayment_Courier_RendersShipmentThenConfirm(t *testing.T) {
	fs := newFakeServer(t)
	modal, transcript := newTestModal(t, fs, Options{})

	flow := modal.Open(50)
	ctx := context.Background()
	require.NoError(t, flow.RequestPurchase(ctx))
	require.NoError(t, flow.Approve(ctx))
	require.NoError(t, flow.ChooseDelivery(ctx, client.DeliveryCourier))
	require.NoError(t, flow.StartCardPayment(ctx))

	fs.setStatus(7, client.StatusPaid)
	require.Eventually(t, func() bool {
		return flow.State() == StateAwaitingShipment
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, stepEntries(transcript, PaneSeller), StepShipmentForm)

	// Validation failures never reach the network.
	shipmentsBefore := fs.count("shipment")
	err := flow.SubmitShipment(ctx, "CJ", "")
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	err = flow.SubmitShipment(ctx, "PIGEON-POST", "1234")
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, shipmentsBefore, fs.count("shipment"))
	assert.Equal(t, StateAwaitingShipment, flow.State())

	require.NoError(t, flow.SubmitShipment(ctx, "CJ", "1234567890"))
	assert.Equal(t, StateAwaitingBuyerConfirm, flow.State())

	rec := fs.record(7)
	assert.Equal(t, "CJ", rec.Courier)
	assert.Equal(t, "1234567890", rec.Tracking)

	require.NoError(t, flow.ConfirmReceipt(ctx))
	assert.Equal(t, StateConfirmed, flow.State())
}

func TestStartCardPayment_ReplacesActivePoller(t *testing.T) {
	fs := newFakeServer(t)
	launcher := &recordingLauncher{}
	modal, transcript := newTestModal(t, fs, Options{Launcher: launcher})

	flow := modal.Open(50)
	ctx := context.Background()
	require.NoError(t, flow.RequestPurchase(ctx))
	require.NoError(t, flow.Approve(ctx))
	require.NoError(t, flow.ChooseDelivery(ctx, client.DirectTrade))
	require.NoError(t, flow.ChoosePayment(ctx, client.PaymentCard))

	// Clicking pay twice replaces the poller; exactly one remains active
	// and exactly one completion fires.
	require.NoError(t, flow.StartCardPayment(ctx))
	require.NoError(t, flow.StartCardPayment(ctx))
	assert.Equal(t, 2, launcher.count())

	fs.setStatus(7, client.StatusPaid)
	require.Eventually(t, func() bool {
		return flow.State() == StateAwaitingBuyerConfirm
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, countOccurrences(transcript, PaneBuyer, msgBuyerPaid))
	assert.Equal(t, 1, countOccurrences(transcript, PaneSeller, msgSellerPaid))

	// Both pollers are gone after completion.
	probes := fs.count("get")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, probes, fs.count("get"))
}

func TestPollError_StallsFlow(t *testing.T) {
	fs := newFakeServer(t)
	modal, transcript := newTestModal(t, fs, Options{})

	flow := modal.Open(50)
	ctx := context.Background()
	require.NoError(t, flow.RequestPurchase(ctx))
	require.NoError(t, flow.Approve(ctx))
	require.NoError(t, flow.ChooseDelivery(ctx, client.DeliveryCourier))

	fs.failOnce("get", http.StatusInternalServerError)
	require.NoError(t, flow.StartCardPayment(ctx))

	require.Eventually(t, func() bool {
		last, ok := transcript.Last(PaneBuyer)
		return ok && last.Kind == EntryError && last.Text == msgBuyerPollFailed
	}, 2*time.Second, 5*time.Millisecond)

	// The poller stopped itself and the flow stalls in the payment state.
	probes := fs.count("get")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, probes, fs.count("get"))
	assert.Equal(t, StateAwaitingCardPayment, flow.State())
}

func TestRejection_IsTerminal(t *testing.T) {
	fs := newFakeServer(t)
	modal, _ := newTestModal(t, fs, Options{})

	flow := modal.Open(50)
	ctx := context.Background()
	require.NoError(t, flow.RequestPurchase(ctx))
	require.NoError(t, flow.Reject(ctx))

	assert.Equal(t, StateRejected, flow.State())
	assert.True(t, flow.State().Terminal())

	err := flow.ChooseDelivery(ctx, client.DirectTrade)
	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestOutOfOrderTransitions_Rejected(t *testing.T) {
	fs := newFakeServer(t)
	modal, _ := newTestModal(t, fs, Options{})

	flow := modal.Open(50)
	ctx := context.Background()

	var stateErr *InvalidStateError
	require.ErrorAs(t, flow.Approve(ctx), &stateErr)
	require.ErrorAs(t, flow.ConfirmReceipt(ctx), &stateErr)

	require.NoError(t, flow.RequestPurchase(ctx))
	require.ErrorAs(t, flow.RequestPurchase(ctx), &stateErr)
	assert.Equal(t, 1, fs.count("create"))
}

func TestRequestFailure_StepStaysActionable(t *testing.T) {
	fs := newFakeServer(t)
	modal, transcript := newTestModal(t, fs, Options{})

	flow := modal.Open(50)
	ctx := context.Background()

	fs.failOnce("create", http.StatusBadGateway)
	require.Error(t, flow.RequestPurchase(ctx))
	assert.Equal(t, StateInitial, flow.State())

	last, ok := transcript.Last(PaneBuyer)
	require.True(t, ok)
	assert.Equal(t, EntryError, last.Kind)
	assert.Equal(t, msgBuyerRequestFailed, last.Text)

	// Manual retry succeeds from the same step.
	require.NoError(t, flow.RequestPurchase(ctx))
	assert.Equal(t, StateAwaitingApproval, flow.State())
}

func TestAuthRedirect_HaltsFlow(t *testing.T) {
	fs := newFakeServer(t)
	modal, transcript := newTestModal(t, fs, Options{})

	flow := modal.Open(50)
	ctx := context.Background()

	fs.mu.Lock()
	fs.authWall = true
	fs.mu.Unlock()

	err := flow.RequestPurchase(ctx)
	require.Error(t, err)
	assert.True(t, client.IsAuthRequired(err))

	// The flow halts; nothing further is attempted.
	assert.Equal(t, StateClosed, flow.State())
	require.ErrorIs(t, flow.RequestPurchase(ctx), ErrSessionClosed)

	last, ok := transcript.Last(PaneBuyer)
	require.True(t, ok)
	assert.Equal(t, EntryError, last.Kind)
	assert.Equal(t, msgAuthRequiredNotice, last.Text)
}

func TestConfirmFailure_RerendersConfirmStep(t *testing.T) {
	fs := newFakeServer(t)
	modal, transcript := newTestModal(t, fs, Options{})

	flow := modal.Open(50)
	ctx := context.Background()
	require.NoError(t, flow.RequestPurchase(ctx))
	require.NoError(t, flow.Approve(ctx))
	require.NoError(t, flow.ChooseDelivery(ctx, client.DirectTrade))
	require.NoError(t, flow.ChoosePayment(ctx, client.PaymentCash))

	fs.failOnce("confirm", http.StatusInternalServerError)
	require.Error(t, flow.ConfirmReceipt(ctx))
	assert.Equal(t, StateAwaitingBuyerConfirm, flow.State())

	// The confirm step is rendered again so the buyer can retry.
	steps := stepEntries(transcript, PaneBuyer)
	confirms := 0
	for _, s := range steps {
		if s == StepBuyerConfirm {
			confirms++
		}
	}
	assert.Equal(t, 2, confirms)

	require.NoError(t, flow.ConfirmReceipt(ctx))
	assert.Equal(t, StateConfirmed, flow.State())
}

func TestUnknownStep_DegradesToErrorEntry(t *testing.T) {
	fs := newFakeServer(t)
	transcript := NewTranscript()
	cl := client.NewClient(fs.URL, nil, nil)
	flow := newFlow(cl, transcript, 50, Options{})

	flow.renderStep(Step(99))

	last, ok := transcript.Last(PaneBuyer)
	require.True(t, ok)
	assert.Equal(t, EntryError, last.Kind)
	assert.Contains(t, last.Text, "unavailable")
}
