package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kumarket/checkout/client"
)

func TestModal_Open_RendersInitialStep(t *testing.T) {
	fs := newFakeServer(t)
	modal, transcript := newTestModal(t, fs, Options{})

	flow := modal.Open(50)
	require.NotNil(t, flow)
	assert.Same(t, flow, modal.Active())
	assert.Equal(t, StateInitial, flow.State())

	last, ok := transcript.Last(PaneBuyer)
	require.True(t, ok)
	assert.Equal(t, EntryStep, last.Kind)
	assert.Equal(t, StepRequestPurchase, last.Step)
}

func TestModal_Close_StopsActivePoller(t *testing.T) {
	fs := newFakeServer(t)
	modal, _ := newTestModal(t, fs, Options{})

	flow := modal.Open(50)
	ctx := context.Background()
	require.NoError(t, flow.RequestPurchase(ctx))
	require.NoError(t, flow.Approve(ctx))
	require.NoError(t, flow.ChooseDelivery(ctx, client.DeliveryCourier))
	require.NoError(t, flow.StartCardPayment(ctx))

	// Let at least one probe go out, then close mid-poll.
	require.Eventually(t, func() bool {
		return fs.count("get") > 0
	}, 2*time.Second, 5*time.Millisecond)

	modal.Close()
	assert.Nil(t, modal.Active())
	assert.Equal(t, StateClosed, flow.State())
	assert.Equal(t, int64(0), flow.TransactionID())

	// Close cancels the poller synchronously; no probe survives it.
	probes := fs.count("get")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, probes, fs.count("get"))

	// A PAID status arriving after close must not resurrect the session.
	fs.setStatus(7, client.StatusPaid)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateClosed, flow.State())
}

// gatedTranscript blocks the first append of the trigger text until released,
// holding the flow mid-commit so lifecycle races become deterministic.
type gatedTranscript struct {
	*Transcript
	trigger string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedTranscript) Append(pane Pane, entry Entry) {
	if entry.Text == g.trigger {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	g.Transcript.Append(pane, entry)
}

func TestModal_Close_DuringPaymentCompletion_StaysClosed(t *testing.T) {
	fs := newFakeServer(t)
	transcript := &gatedTranscript{
		Transcript: NewTranscript(),
		trigger:    msgBuyerPaid,
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	cl := client.NewClient(fs.URL, nil, nil)
	modal := NewModal(cl, transcript, Options{PollInterval: 10 * time.Millisecond})
	t.Cleanup(modal.Close)

	flow := modal.Open(50)
	ctx := context.Background()
	require.NoError(t, flow.RequestPurchase(ctx))
	require.NoError(t, flow.Approve(ctx))
	require.NoError(t, flow.ChooseDelivery(ctx, client.DeliveryCourier))
	require.NoError(t, flow.StartCardPayment(ctx))

	fs.setStatus(7, client.StatusPaid)
	select {
	case <-transcript.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("payment completion never reached the renderer")
	}

	// Close arrives while the completion is mid-commit.
	closed := make(chan struct{})
	go func() {
		modal.Close()
		close(closed)
	}()

	// Teardown must wait for the commit instead of interleaving with it.
	select {
	case <-closed:
		t.Fatal("close finished while the completion was still rendering")
	case <-time.After(50 * time.Millisecond):
	}

	close(transcript.release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not finish after the completion committed")
	}

	// The session stays closed and no entry survives the reset.
	assert.Equal(t, StateClosed, flow.State())
	assert.Empty(t, transcript.Entries(PaneBuyer))
	assert.Empty(t, transcript.Entries(PaneSeller))
}

func TestModal_Close_IsIdempotent(t *testing.T) {
	fs := newFakeServer(t)
	modal, _ := newTestModal(t, fs, Options{})

	modal.Open(50)
	require.NotPanics(t, func() {
		modal.Close()
		modal.Close()
	})
	assert.Nil(t, modal.Active())
}

func TestModal_Reopen_StartsFreshSession(t *testing.T) {
	fs := newFakeServer(t)
	modal, transcript := newTestModal(t, fs, Options{})

	first := modal.Open(50)
	require.NoError(t, first.RequestPurchase(context.Background()))
	require.NotEmpty(t, transcript.Entries(PaneSeller))

	second := modal.Open(51)
	assert.NotSame(t, first, second)
	assert.Equal(t, StateClosed, first.State())
	assert.Equal(t, StateInitial, second.State())

	// Panes were reset: only the fresh request step remains.
	buyerEntries := transcript.Entries(PaneBuyer)
	require.Len(t, buyerEntries, 1)
	assert.Equal(t, StepRequestPurchase, buyerEntries[0].Step)
	assert.Empty(t, transcript.Entries(PaneSeller))

	// The new session creates its own transaction.
	require.NoError(t, second.RequestPurchase(context.Background()))
	assert.Equal(t, int64(8), second.TransactionID())
}

func TestModal_TransitionsOnClosedSessionFail(t *testing.T) {
	fs := newFakeServer(t)
	modal, _ := newTestModal(t, fs, Options{})

	flow := modal.Open(50)
	modal.Close()

	require.ErrorIs(t, flow.RequestPurchase(context.Background()), ErrSessionClosed)
	require.ErrorIs(t, flow.ConfirmReceipt(context.Background()), ErrSessionClosed)
}
