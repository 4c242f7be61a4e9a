package pulse

import (
	"context"
	"sync"
	"time"

	"github.com/knoom0/datanav-sub002/logger"
)

// Ticker drives the pulse manager on a fixed interval.
type Ticker struct {
	manager  *Manager
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewTicker creates a ticker. Start it explicitly; Stop blocks until the
// loop exits.
func NewTicker(ctx context.Context, manager *Manager, interval time.Duration) *Ticker {
	tickerCtx, cancel := context.WithCancel(ctx)
	return &Ticker{
		manager:  manager,
		interval: interval,
		ctx:      tickerCtx,
		cancel:   cancel,
	}
}

// Start begins the ticker loop.
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	logger.Infow("Pulse ticker started", "interval", t.interval)
}

// Stop gracefully stops the ticker.
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	logger.Infow("Pulse ticker stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.manager.Tick(t.ctx); err != nil {
				logger.Warnw("Pulse tick error", "error", err)
			}
		}
	}
}
