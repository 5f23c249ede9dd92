package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/qash-finance/schedule-service/entities"
	"github.com/qash-finance/schedule-service/external/httpjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var ErrMock = errors.New("mock error")

type FakeClock struct {
	now time.Time
}

func (f FakeClock) Now() time.Time {
	return f.now
}

type FakeLedger struct {
	mutex       sync.Mutex
	notes       []entities.NoteRecord
	shouldError bool
	err         error
	calls       int
	// the first call blocks until release is closed or the context ends
	block   bool
	started chan struct{}
	release chan struct{}
}

func (f *FakeLedger) GetConsumableNotes(ctx context.Context, _ string) ([]entities.NoteRecord, error) {
	f.mutex.Lock()
	f.calls++
	first := f.calls == 1
	notes, shouldError, failWith := f.notes, f.shouldError, f.err
	f.mutex.Unlock()

	if f.block && first {
		close(f.started)
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failWith != nil {
		return nil, failWith
	}
	if shouldError {
		return nil, ErrMock
	}
	return notes, nil
}

func (f *FakeLedger) set(notes []entities.NoteRecord, shouldError bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.notes = notes
	f.shouldError = shouldError
}

func (f *FakeLedger) callCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.calls
}

type FakeRecords struct {
	mutex       sync.Mutex
	records     []entities.NoteRecord
	shouldError bool
	err         error
	calls       int
}

func (f *FakeRecords) GetNoteRecords(context.Context, string) ([]entities.NoteRecord, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.shouldError {
		return nil, ErrMock
	}
	return f.records, nil
}

func (f *FakeRecords) set(records []entities.NoteRecord, shouldError bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.records = records
	f.shouldError = shouldError
}

type FakeHeights struct {
	height uint64
}

func (f *FakeHeights) CurrentHeight(context.Context) (uint64, error) {
	return f.height, nil
}

type FakePersister struct {
	mutex sync.Mutex
	views map[string]entities.NoteView
}

func (f *FakePersister) SaveView(view entities.NoteView) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.views == nil {
		f.views = make(map[string]entities.NoteView)
	}
	f.views[view.Address] = view
	return nil
}

func (f *FakePersister) GetView(address string) (entities.NoteView, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	view, ok := f.views[address]
	if !ok {
		return entities.NoteView{}, entities.ErrNotFound
	}
	return view, nil
}

type FakePublisher struct {
	mutex   sync.Mutex
	changes []entities.NoteStatusChange
}

func (f *FakePublisher) PublishStatusChanges(_ context.Context, changes []entities.NoteStatusChange) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.changes = append(f.changes, changes...)
	return nil
}

type FakeIndexer struct {
	mutex   sync.Mutex
	indexed []entities.NoteView
}

func (f *FakeIndexer) IndexNotes(_ context.Context, view entities.NoteView) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.indexed = append(f.indexed, view)
	return nil
}

type FakeMetrics struct {
	mutex       sync.Mutex
	refreshes   int
	errors      map[string]int
	superseded  int
	staleViews  int
	transitions int
	watched     int
}

func (f *FakeMetrics) ObserveRefresh(uint64, bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.refreshes++
}

func (f *FakeMetrics) IncRefreshError(source string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.errors == nil {
		f.errors = make(map[string]int)
	}
	f.errors[source]++
}

func (f *FakeMetrics) IncSuperseded() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.superseded++
}

func (f *FakeMetrics) SetStaleViews(count int) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.staleViews = count
}

func (f *FakeMetrics) ObserveTransition(entities.NoteStatus, entities.NoteStatus) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.transitions++
}

func (f *FakeMetrics) SetWatchedAddresses(count int) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.watched = count
}

type testReconciler struct {
	reconciler *Reconciler
	ledger     *FakeLedger
	records    *FakeRecords
	persister  *FakePersister
	publisher  *FakePublisher
	indexer    *FakeIndexer
	metrics    *FakeMetrics
}

var refreshedAt = time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC)

func newTestReconciler(t *testing.T, ledger *FakeLedger) testReconciler {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	tr := testReconciler{
		ledger:    ledger,
		records:   &FakeRecords{},
		persister: &FakePersister{},
		publisher: &FakePublisher{},
		indexer:   &FakeIndexer{},
		metrics:   &FakeMetrics{},
	}
	tr.reconciler = NewReconciler(ledger, tr.records, &FakeHeights{height: 1000}, FakeClock{now: refreshedAt}, NewViewStore(), time.Millisecond, logger.Sugar()).
		WithStore(tr.persister).
		WithPublisher(tr.publisher).
		WithIndexer(tr.indexer).
		WithMetrics(tr.metrics)
	return tr
}

func TestReconciler_Refresh(t *testing.T) {
	tr := newTestReconciler(t, &FakeLedger{notes: []entities.NoteRecord{
		{ID: "a", Status: entities.NotePending},
		{ID: "c", Status: entities.NotePending},
	}})
	tr.records.set([]entities.NoteRecord{
		{ID: "a", Sender: "0xpayer", Status: entities.NotePending},
		{ID: "b", Sender: "0xpayer", Status: entities.NoteConsumed},
	}, false)

	view, err := tr.reconciler.Refresh(context.Background(), "0xaddr")
	require.NoError(t, err)

	expected := entities.NoteView{
		Address:     "0xaddr",
		Height:      1000,
		RefreshedAt: refreshedAt,
		Revision:    1,
		Notes: []entities.ReconciledNote{
			{NoteRecord: entities.NoteRecord{ID: "a", Sender: "0xpayer", Status: entities.NotePending}, Verified: true, OnLedger: true},
			{NoteRecord: entities.NoteRecord{ID: "b", Sender: "0xpayer", Status: entities.NoteConsumed}, Verified: true},
			{NoteRecord: entities.NoteRecord{ID: "c", Status: entities.NotePending}, OnLedger: true},
		},
	}
	if diff := cmp.Diff(expected, view); diff != "" {
		t.Fatalf("Unexpected result: %v", diff)
	}

	stored, ok := tr.reconciler.Views().Get("0xaddr")
	require.True(t, ok)
	assert.Equal(t, view, stored)
	assert.Equal(t, view, tr.persister.views["0xaddr"])
	require.Len(t, tr.indexer.indexed, 1)
	assert.Empty(t, tr.publisher.changes)
	assert.Equal(t, 1, tr.metrics.refreshes)
}

func TestReconciler_Refresh_givenStatusChange_thenPublished(t *testing.T) {
	tr := newTestReconciler(t, &FakeLedger{notes: []entities.NoteRecord{{ID: "a", Status: entities.NotePending}}})
	tr.records.set([]entities.NoteRecord{{ID: "a", Status: entities.NotePending}}, false)

	_, err := tr.reconciler.Refresh(context.Background(), "0xaddr")
	require.NoError(t, err)

	tr.ledger.set([]entities.NoteRecord{{ID: "a", Status: entities.NoteConsumed}}, false)
	view, err := tr.reconciler.Refresh(context.Background(), "0xaddr")
	require.NoError(t, err)

	note, ok := view.Find("a")
	require.True(t, ok)
	assert.Equal(t, entities.NoteConsumed, note.Status)
	require.Len(t, tr.publisher.changes, 1)
	assert.Equal(t, entities.NotePending, tr.publisher.changes[0].From)
	assert.Equal(t, entities.NoteConsumed, tr.publisher.changes[0].To)
	assert.Equal(t, 1, tr.metrics.transitions)
}

func TestReconciler_Refresh_givenLedgerFailure_thenStaleWithLastLedgerNotes(t *testing.T) {
	tr := newTestReconciler(t, &FakeLedger{notes: []entities.NoteRecord{{ID: "c", Status: entities.NotePending}}})
	tr.records.set([]entities.NoteRecord{{ID: "a", Status: entities.NotePending}}, false)

	_, err := tr.reconciler.Refresh(context.Background(), "0xaddr")
	require.NoError(t, err)
	callsBefore := tr.ledger.callCount()

	tr.ledger.set(nil, true)
	tr.records.set([]entities.NoteRecord{{ID: "a", Status: entities.NotePending}, {ID: "b", Status: entities.NotePending}}, false)
	view, err := tr.reconciler.Refresh(context.Background(), "0xaddr")
	require.NoError(t, err)

	assert.Equal(t, 3, tr.ledger.callCount()-callsBefore)
	assert.Equal(t, []string{entities.SourceLedger}, view.Stale)
	assert.Equal(t, uint64(1000), view.Height)
	for _, id := range []string{"a", "b", "c"} {
		_, ok := view.Find(id)
		assert.True(t, ok, "note [%s]", id)
	}
	assert.Equal(t, 1, tr.metrics.errors[entities.SourceLedger])
	assert.Equal(t, 1, tr.metrics.staleViews)
}

func TestReconciler_Refresh_givenBackendFailure_thenLedgerStillMerged(t *testing.T) {
	tr := newTestReconciler(t, &FakeLedger{notes: []entities.NoteRecord{{ID: "c", Status: entities.NotePending}}})
	tr.records.set(nil, true)

	view, err := tr.reconciler.Refresh(context.Background(), "0xaddr")
	require.NoError(t, err)

	assert.Equal(t, []string{entities.SourceBackend}, view.Stale)
	note, ok := view.Find("c")
	require.True(t, ok)
	assert.False(t, note.Verified)
	assert.Equal(t, 3, tr.records.calls)
}

func TestReconciler_Refresh_givenBothFail_thenFetchFailure(t *testing.T) {
	tr := newTestReconciler(t, &FakeLedger{shouldError: true})
	tr.records.set(nil, true)

	_, err := tr.reconciler.Refresh(context.Background(), "0xaddr")
	require.ErrorIs(t, err, entities.ErrFetchFailure)

	_, ok := tr.reconciler.Views().Get("0xaddr")
	assert.False(t, ok)
}

func TestReconciler_Refresh_coalescesConcurrentCalls(t *testing.T) {
	ledger := &FakeLedger{block: true, started: make(chan struct{}), release: make(chan struct{})}
	tr := newTestReconciler(t, ledger)

	var wg sync.WaitGroup
	results := make(chan entities.NoteView, 5)
	refresh := func() {
		defer wg.Done()
		view, err := tr.reconciler.Refresh(context.Background(), "0xaddr")
		assert.NoError(t, err)
		results <- view
	}

	wg.Add(1)
	go refresh()
	<-ledger.started
	for range 4 {
		wg.Add(1)
		go refresh()
	}
	time.Sleep(50 * time.Millisecond) // let the callers join the flight
	close(ledger.release)
	wg.Wait()
	close(results)

	assert.Equal(t, 1, ledger.callCount())
	assert.Equal(t, 1, tr.records.calls)
	for view := range results {
		assert.Equal(t, uint64(1), view.Revision)
	}
}

func TestReconciler_ForceRefresh_discardsInFlightRefresh(t *testing.T) {
	ledger := &FakeLedger{
		notes:   []entities.NoteRecord{{ID: "a", Status: entities.NoteConsumed}},
		block:   true,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	tr := newTestReconciler(t, ledger)
	tr.records.set([]entities.NoteRecord{{ID: "a", Status: entities.NotePending}}, false)

	slow := make(chan error, 1)
	go func() {
		_, err := tr.reconciler.Refresh(context.Background(), "0xaddr")
		slow <- err
	}()
	<-ledger.started

	view, err := tr.reconciler.ForceRefresh(context.Background(), "0xaddr")
	require.NoError(t, err)
	note, ok := view.Find("a")
	require.True(t, ok)
	assert.Equal(t, entities.NoteConsumed, note.Status)

	select {
	case err = <-slow:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(5 * time.Second):
		t.Fatal("superseded refresh did not return")
	}

	current, ok := tr.reconciler.Views().Get("0xaddr")
	require.True(t, ok)
	assert.Equal(t, view, current)
	assert.Equal(t, 1, tr.metrics.superseded)
}

func TestReconciler_View_givenPersistedView_thenRestored(t *testing.T) {
	tr := newTestReconciler(t, &FakeLedger{})
	persisted := entities.NoteView{Address: "0xaddr", Height: 900, Revision: 7, Notes: []entities.ReconciledNote{
		{NoteRecord: entities.NoteRecord{ID: "a", Status: entities.NotePending}, Verified: true},
	}}
	require.NoError(t, tr.persister.SaveView(persisted))

	view, ok := tr.reconciler.View("0xaddr")
	require.True(t, ok)
	assert.Equal(t, uint64(900), view.Height)
	assert.Len(t, view.Notes, 1)

	_, ok = tr.reconciler.View("0xunknown")
	assert.False(t, ok)
}

func TestReconciler_Refresh_givenClientErrors_thenFetchedOnce(t *testing.T) {
	notFound := fmt.Errorf("GET /notes/0xaddr: status [404]: %w", entities.ErrNotFound)
	tr := newTestReconciler(t, &FakeLedger{err: notFound})
	tr.records.err = &httpjson.StatusError{Method: "GET", Path: "/notes/records", StatusCode: 403, Body: "forbidden"}

	_, err := tr.reconciler.Refresh(context.Background(), "0xaddr")
	require.ErrorIs(t, err, entities.ErrFetchFailure)

	assert.Equal(t, 1, tr.ledger.callCount())
	assert.Equal(t, 1, tr.records.calls)
	assert.Equal(t, 1, tr.metrics.errors[entities.SourceLedger])
	assert.Equal(t, 1, tr.metrics.errors[entities.SourceBackend])
}

func TestReconciler_Refresh_givenServerError_thenRetried(t *testing.T) {
	tr := newTestReconciler(t, &FakeLedger{notes: []entities.NoteRecord{{ID: "c", Status: entities.NotePending}}})
	tr.records.err = &httpjson.StatusError{Method: "GET", Path: "/notes/records", StatusCode: 502}

	view, err := tr.reconciler.Refresh(context.Background(), "0xaddr")
	require.NoError(t, err)

	assert.Equal(t, []string{entities.SourceBackend}, view.Stale)
	assert.Equal(t, 3, tr.records.calls)
}
