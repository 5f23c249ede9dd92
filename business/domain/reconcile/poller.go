package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/qash-finance/schedule-service/entities"
	"go.uber.org/zap"
)

const DefaultPollInterval = 3 * time.Second

type Refresher interface {
	Refresh(ctx context.Context, address string) (entities.NoteView, error)
}

type WatchMetrics interface {
	SetWatchedAddresses(count int)
}

// RefreshListener is notified after every scheduled refresh.
type RefreshListener func(address string, err error)

// Poller refreshes every watched address on a fixed interval. Each address runs as its own
// cancellable task.
type Poller struct {
	refresher Refresher
	interval  time.Duration
	logger    *zap.SugaredLogger
	metrics   WatchMetrics
	listener  RefreshListener

	mutex   sync.Mutex
	ctx     context.Context
	watched map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewPoller(refresher Refresher, interval time.Duration, logger *zap.SugaredLogger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		refresher: refresher,
		interval:  interval,
		logger:    logger,
		watched:   make(map[string]context.CancelFunc),
	}
}

func (p *Poller) WithMetrics(metrics WatchMetrics) *Poller {
	p.metrics = metrics
	return p
}

func (p *Poller) WithListener(listener RefreshListener) *Poller {
	p.listener = listener
	return p
}

// Watch schedules address for polling. It returns false if the address is already watched.
func (p *Poller) Watch(address string) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if _, ok := p.watched[address]; ok {
		return false
	}
	p.watched[address] = nil
	if p.ctx != nil {
		p.start(address)
	}
	p.updateMetrics()
	p.logger.Infow("Watching address.", "address", address)
	return true
}

func (p *Poller) Unwatch(address string) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	cancel, ok := p.watched[address]
	if !ok {
		return false
	}
	if cancel != nil {
		cancel()
	}
	delete(p.watched, address)
	p.updateMetrics()
	p.logger.Infow("Stopped watching address.", "address", address)
	return true
}

func (p *Poller) Watched() []string {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	addresses := make([]string, 0, len(p.watched))
	for address := range p.watched {
		addresses = append(addresses, address)
	}
	return addresses
}

// Run polls until ctx is done and waits for all address tasks to stop.
func (p *Poller) Run(ctx context.Context) {
	p.mutex.Lock()
	p.ctx = ctx
	for address := range p.watched {
		p.start(address)
	}
	p.mutex.Unlock()

	<-ctx.Done()

	p.mutex.Lock()
	p.ctx = nil
	for address, cancel := range p.watched {
		if cancel != nil {
			cancel()
		}
		p.watched[address] = nil
	}
	p.mutex.Unlock()
	p.wg.Wait()
}

func (p *Poller) start(address string) {
	taskCtx, cancel := context.WithCancel(p.ctx)
	p.watched[address] = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.poll(taskCtx, address)
	}()
}

func (p *Poller) poll(ctx context.Context, address string) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.refresh(ctx, address)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) refresh(ctx context.Context, address string) {
	_, err := p.refresher.Refresh(ctx, address)
	if ctx.Err() != nil {
		return
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrSuperseded):
		err = nil
	default:
		p.logger.Errorw("Refresh failed.", "address", address, "error", err)
	}
	if p.listener != nil {
		p.listener(address, err)
	}
}

func (p *Poller) updateMetrics() {
	if p.metrics != nil {
		p.metrics.SetWatchedAddresses(len(p.watched))
	}
}
