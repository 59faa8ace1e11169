package flow

import (
	"io"
	"log/slog"
)

// Modal owns the lifecycle of flow sessions. Opening it starts a fresh
// session for one product; closing it guarantees the session's poller is
// gone and the panes are cleared. One purchase attempt is active at a time.
type Modal struct {
	api      TransactionAPI
	renderer Renderer
	opts     Options

	active *Flow
}

// NewModal creates a modal over the given gateway and renderer.
func NewModal(api TransactionAPI, renderer Renderer, opts Options) *Modal {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Modal{
		api:      api,
		renderer: renderer,
		opts:     opts,
	}
}

// Open resets the panes, starts a new flow session for the product and
// renders the initial step. An already-open session is torn down first; a
// transaction in progress is not resumable and is simply forgotten.
func (m *Modal) Open(productID int64) *Flow {
	if m.active != nil {
		m.Close()
	}

	m.renderer.Reset()
	m.active = newFlow(m.api, m.renderer, productID, m.opts)
	m.opts.Metrics.RecordFlowOpened()
	m.opts.Logger.Debug("flow session opened", "product_id", productID)

	m.active.renderStep(StepRequestPurchase)
	return m.active
}

// Close tears down the active session: the poller (if any) is cancelled
// synchronously, the transaction reference is discarded and the panes are
// cleared. Idempotent.
func (m *Modal) Close() {
	if m.active == nil {
		return
	}
	m.active.close()
	m.active = nil
	m.renderer.Reset()
}

// Active returns the open flow session, or nil.
func (m *Modal) Active() *Flow {
	return m.active
}
