package flow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kumarket/checkout/client"
	"github.com/kumarket/checkout/service/metrics"
)

// statusFetcher is the slice of the transaction API the poller needs.
type statusFetcher interface {
	Get(ctx context.Context, transactionID int64) (*client.Transaction, error)
}

// Poller probes a transaction's status until it observes PAID, a probe
// fails, or it is stopped. It fires at most one callback: onPaid on success,
// onError on the first failed probe, neither after Stop. The poller always
// cancels itself before invoking a callback.
type Poller struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// startPoller begins probing in a background goroutine.
func startPoller(
	api statusFetcher,
	transactionID int64,
	interval time.Duration,
	logger *slog.Logger,
	m *metrics.Metrics,
	onPaid func(*client.Transaction),
	onError func(error),
) *Poller {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.PollerStarted()

	go func() {
		defer close(p.done)
		defer m.PollerStopped()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			start := time.Now()
			txn, err := api.Get(ctx, transactionID)
			if ctx.Err() != nil {
				// Stopped while the probe was in flight; suppress callbacks.
				return
			}
			if err != nil {
				m.RecordPollCycle("error", time.Since(start))
				logger.Error("payment status probe failed",
					"transaction_id", transactionID,
					"error", err,
				)
				p.Stop()
				onError(err)
				return
			}
			if txn.Status == client.StatusPaid {
				m.RecordPollCycle("paid", time.Since(start))
				logger.Debug("payment observed", "transaction_id", transactionID)
				p.Stop()
				onPaid(txn)
				return
			}
			m.RecordPollCycle("pending", time.Since(start))
		}
	}()

	return p
}

// Stop cancels the poller. It is idempotent and safe to call concurrently,
// including from within the poller's own callbacks.
func (p *Poller) Stop() {
	p.stopOnce.Do(p.cancel)
}

// Done is closed once the polling goroutine has fully exited.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}
