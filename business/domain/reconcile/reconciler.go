package reconcile

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/qash-finance/schedule-service/business/domain/schedule"
	"github.com/qash-finance/schedule-service/entities"
	"github.com/qash-finance/schedule-service/infrastructure/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrSuperseded is returned by a refresh whose result was discarded because a newer refresh
// of the same address was forced while it was in flight.
var ErrSuperseded = errors.New("refresh superseded")

const DefaultRefreshTimeout = 30 * time.Second

type LedgerSource interface {
	GetConsumableNotes(ctx context.Context, address string) ([]entities.NoteRecord, error)
}

type HeightProvider interface {
	CurrentHeight(ctx context.Context) (uint64, error)
}

type RecordSource interface {
	GetNoteRecords(ctx context.Context, address string) ([]entities.NoteRecord, error)
}

type ViewPersister interface {
	SaveView(view entities.NoteView) error
	GetView(address string) (entities.NoteView, error)
}

type StatusPublisher interface {
	PublishStatusChanges(ctx context.Context, changes []entities.NoteStatusChange) error
}

type NoteIndexer interface {
	IndexNotes(ctx context.Context, view entities.NoteView) error
}

type Metrics interface {
	ObserveRefresh(height uint64, stale bool)
	IncRefreshError(source string)
	IncSuperseded()
	SetStaleViews(count int)
	ObserveTransition(from, to entities.NoteStatus)
}

type flight struct {
	generation uint64
	cancel     context.CancelFunc
}

// Reconciler keeps one merged note view per address up to date.
type Reconciler struct {
	ledger     LedgerSource
	records    RecordSource
	heights    HeightProvider
	clock      schedule.Clock
	views      *ViewStore
	logger     *zap.SugaredLogger
	retryDelay time.Duration
	timeout    time.Duration

	store     ViewPersister
	publisher StatusPublisher
	indexer   NoteIndexer
	metrics   Metrics

	group       singleflight.Group
	mutex       sync.Mutex
	generations map[string]uint64
	flights     map[string][]flight
	lastLedger  map[string][]entities.NoteRecord
	lastBackend map[string][]entities.NoteRecord
}

func NewReconciler(ledger LedgerSource, records RecordSource, heights HeightProvider, clock schedule.Clock, views *ViewStore, retryDelay time.Duration, logger *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		ledger:      ledger,
		records:     records,
		heights:     heights,
		clock:       clock,
		views:       views,
		logger:      logger,
		retryDelay:  retryDelay,
		timeout:     DefaultRefreshTimeout,
		generations: make(map[string]uint64),
		flights:     make(map[string][]flight),
		lastLedger:  make(map[string][]entities.NoteRecord),
		lastBackend: make(map[string][]entities.NoteRecord),
	}
}

func (r *Reconciler) WithStore(store ViewPersister) *Reconciler {
	r.store = store
	return r
}

func (r *Reconciler) WithPublisher(publisher StatusPublisher) *Reconciler {
	r.publisher = publisher
	return r
}

func (r *Reconciler) WithIndexer(indexer NoteIndexer) *Reconciler {
	r.indexer = indexer
	return r
}

func (r *Reconciler) WithMetrics(metrics Metrics) *Reconciler {
	r.metrics = metrics
	return r
}

func (r *Reconciler) WithTimeout(timeout time.Duration) *Reconciler {
	r.timeout = timeout
	return r
}

func (r *Reconciler) Views() *ViewStore {
	return r.views
}

// View returns the current view of address, restoring the last persisted one when the
// address has not been refreshed since startup.
func (r *Reconciler) View(address string) (entities.NoteView, bool) {
	if view, ok := r.views.Get(address); ok {
		return view, true
	}
	if r.store == nil {
		return entities.NoteView{}, false
	}
	stored, err := r.store.GetView(address)
	if err != nil {
		if !errors.Is(err, entities.ErrNotFound) {
			r.logger.Warnw("Loading persisted view failed.", "address", address, "error", err)
		}
		return entities.NoteView{}, false
	}
	view, _ := r.views.CompareAndSwap(entities.NoteView{Address: address}, stored)
	return view, true
}

// CompareAndSwap installs next as the view of its address unless a newer view was published
// since expected was read.
func (r *Reconciler) CompareAndSwap(expected, next entities.NoteView) (entities.NoteView, bool) {
	return r.views.CompareAndSwap(expected, next)
}

// Refresh re-fetches both sources and publishes the merged view of address. Concurrent calls
// for the same address share one fetch.
func (r *Reconciler) Refresh(ctx context.Context, address string) (entities.NoteView, error) {
	r.mutex.Lock()
	generation := r.generations[address]
	r.mutex.Unlock()
	return r.refreshGeneration(ctx, address, generation)
}

// ForceRefresh starts a new refresh of address and discards the results of all refreshes
// already in flight.
func (r *Reconciler) ForceRefresh(ctx context.Context, address string) (entities.NoteView, error) {
	r.mutex.Lock()
	r.generations[address]++
	generation := r.generations[address]
	for _, f := range r.flights[address] {
		if f.generation < generation {
			f.cancel()
		}
	}
	r.mutex.Unlock()
	return r.refreshGeneration(ctx, address, generation)
}

func (r *Reconciler) refreshGeneration(ctx context.Context, address string, generation uint64) (entities.NoteView, error) {
	key := fmt.Sprintf("%s/%d", address, generation)
	result, err, _ := r.group.Do(key, func() (any, error) {
		return r.refresh(ctx, address, generation)
	})
	if err != nil {
		return entities.NoteView{}, err
	}
	return result.(entities.NoteView), nil
}

func (r *Reconciler) refresh(parent context.Context, address string, generation uint64) (entities.NoteView, error) {
	// shared by every caller of the flight, so it must not end with the first caller
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.timeout)
	defer cancel()
	r.register(address, generation, cancel)
	defer r.unregister(address, generation)

	var (
		height                uint64
		ledger, backend       []entities.NoteRecord
		ledgerErr, backendErr error
		group                 errgroup.Group
	)
	group.Go(func() error {
		height, ledger, ledgerErr = r.fetchLedger(ctx, address)
		return nil
	})
	group.Go(func() error {
		backend, backendErr = r.fetchBackend(ctx, address)
		return nil
	})
	_ = group.Wait()

	if ctx.Err() != nil && r.superseded(address, generation) {
		return r.discard(address, generation)
	}
	if ledgerErr != nil && backendErr != nil {
		return entities.NoteView{}, errors.Wrapf(entities.ErrFetchFailure, "refreshing [%s]: ledger: %v; backend: %v", address, ledgerErr, backendErr)
	}

	r.mutex.Lock()
	if r.generations[address] != generation {
		r.mutex.Unlock()
		return r.discard(address, generation)
	}

	view := entities.NoteView{Address: address, RefreshedAt: r.clock.Now()}
	previous, hasPrevious := r.views.Get(address)
	if ledgerErr != nil {
		ledger = r.lastLedger[address]
		height = previous.Height
		view.Stale = append(view.Stale, entities.SourceLedger)
	} else {
		r.lastLedger[address] = ledger
	}
	if backendErr != nil {
		backend = r.lastBackend[address]
		view.Stale = append(view.Stale, entities.SourceBackend)
	} else {
		r.lastBackend[address] = backend
	}
	view.Height = height

	notes, conflicts := Merge(backend, ledger)
	view.Notes = notes
	view = r.views.Set(view)
	r.mutex.Unlock()

	for _, conflict := range conflicts {
		r.logger.Warnw("Backend and ledger disagree on note status.", "address", address, "note", conflict.NoteID,
			"backend", conflict.BackendStatus, "ledger", conflict.LedgerStatus)
	}
	if ledgerErr != nil {
		r.logger.Warnw("Ledger fetch failed. Using last ledger notes.", "address", address, "error", ledgerErr)
	}
	if backendErr != nil {
		r.logger.Warnw("Backend fetch failed. Using last backend records.", "address", address, "error", backendErr)
	}

	var changes []entities.NoteStatusChange
	if hasPrevious {
		changes = Changes(previous, view)
	}
	r.afterApply(ctx, view, changes)
	return view, nil
}

func (r *Reconciler) afterApply(ctx context.Context, view entities.NoteView, changes []entities.NoteStatusChange) {
	if r.metrics != nil {
		r.metrics.ObserveRefresh(view.Height, view.IsStale())
		r.metrics.SetStaleViews(r.views.StaleCount())
		for _, change := range changes {
			r.metrics.ObserveTransition(change.From, change.To)
		}
	}
	if r.store != nil {
		if err := r.store.SaveView(view); err != nil {
			r.logger.Errorw("Persisting view failed.", "address", view.Address, "error", err)
		}
	}
	if r.publisher != nil && len(changes) > 0 {
		if err := r.publisher.PublishStatusChanges(ctx, changes); err != nil {
			r.logger.Errorw("Publishing status changes failed.", "address", view.Address, "changes", len(changes), "error", err)
		}
	}
	if r.indexer != nil && len(view.Notes) > 0 {
		if err := r.indexer.IndexNotes(ctx, view); err != nil {
			r.logger.Errorw("Indexing notes failed.", "address", view.Address, "error", err)
		}
	}
	for _, change := range changes {
		r.logger.Infow("Note status changed.", "address", view.Address, "note", change.NoteID, "from", change.From, "to", change.To, "height", change.Height)
	}
}

func (r *Reconciler) fetchLedger(ctx context.Context, address string) (uint64, []entities.NoteRecord, error) {
	height, err := r.heights.CurrentHeight(ctx)
	if err != nil {
		r.countError(entities.SourceLedger)
		return 0, nil, errors.Wrap(err, "getting current height")
	}
	var notes []entities.NoteRecord
	err = retry.Do(ctx, retry.DefaultAttempts, r.retryDelay, func(ctx context.Context) error {
		var err error
		notes, err = r.ledger.GetConsumableNotes(ctx, address)
		return retry.Classify(err)
	})
	if err != nil {
		r.countError(entities.SourceLedger)
		return 0, nil, errors.Wrapf(entities.ErrFetchFailure, "getting consumable notes: %v", err)
	}
	return height, notes, nil
}

func (r *Reconciler) fetchBackend(ctx context.Context, address string) ([]entities.NoteRecord, error) {
	var records []entities.NoteRecord
	err := retry.Do(ctx, retry.DefaultAttempts, r.retryDelay, func(ctx context.Context) error {
		var err error
		records, err = r.records.GetNoteRecords(ctx, address)
		return retry.Classify(err)
	})
	if err != nil {
		r.countError(entities.SourceBackend)
		return nil, errors.Wrapf(entities.ErrFetchFailure, "getting note records: %v", err)
	}
	return records, nil
}

func (r *Reconciler) countError(source string) {
	if r.metrics != nil {
		r.metrics.IncRefreshError(source)
	}
}

func (r *Reconciler) discard(address string, generation uint64) (entities.NoteView, error) {
	if r.metrics != nil {
		r.metrics.IncSuperseded()
	}
	r.logger.Debugw("Discarding superseded refresh.", "address", address, "generation", generation)
	return entities.NoteView{}, errors.Wrapf(ErrSuperseded, "address [%s] generation [%d]", address, generation)
}

func (r *Reconciler) superseded(address string, generation uint64) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.generations[address] != generation
}

func (r *Reconciler) register(address string, generation uint64, cancel context.CancelFunc) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.flights[address] = append(r.flights[address], flight{generation: generation, cancel: cancel})
}

func (r *Reconciler) unregister(address string, generation uint64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.flights[address] = slices.DeleteFunc(r.flights[address], func(f flight) bool {
		return f.generation == generation
	})
	if len(r.flights[address]) == 0 {
		delete(r.flights, address)
	}
}
