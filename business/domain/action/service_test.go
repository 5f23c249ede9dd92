package action

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/qash-finance/schedule-service/business/domain/reconcile"
	"github.com/qash-finance/schedule-service/business/domain/schedule"
	"github.com/qash-finance/schedule-service/entities"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var ErrMock = errors.New("mock error")

const (
	payer = "0xpayer"
	payee = "0xpayee"
)

var now = time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC)

type FakeClock struct {
	now time.Time
}

func (f FakeClock) Now() time.Time {
	return f.now
}

type FakeLedger struct {
	shouldError bool
	claimed     [][]string
	recalled    [][]string
}

func (f *FakeLedger) SubmitClaim(_ context.Context, noteIDs []string) (string, error) {
	f.claimed = append(f.claimed, noteIDs)
	if f.shouldError {
		return "", ErrMock
	}
	return "tx-claim", nil
}

func (f *FakeLedger) SubmitRecall(_ context.Context, noteIDs []string) (string, error) {
	f.recalled = append(f.recalled, noteIDs)
	if f.shouldError {
		return "", ErrMock
	}
	return "tx-recall", nil
}

type FakeBackend struct {
	def         entities.RecurringPaymentDefinition
	executions  []entities.ScheduledExecution
	shouldError bool
	calls       []string
	batches     []entities.RecallBatch
	created     []entities.CreatePaymentRequest
}

func (f *FakeBackend) CreatePayment(_ context.Context, request entities.CreatePaymentRequest) (entities.RecurringPaymentDefinition, error) {
	f.created = append(f.created, request)
	if f.shouldError {
		return entities.RecurringPaymentDefinition{}, ErrMock
	}
	return entities.RecurringPaymentDefinition{ID: "payment-new", Payer: request.Payer, Payee: request.Payee, Frequency: request.Frequency, Status: entities.DefinitionActive}, nil
}

func (f *FakeBackend) GetPayment(_ context.Context, id string) (entities.RecurringPaymentDefinition, []entities.ScheduledExecution, error) {
	if id != f.def.ID {
		return entities.RecurringPaymentDefinition{}, nil, entities.ErrNotFound
	}
	return f.def, f.executions, nil
}

func (f *FakeBackend) ListPayments(_ context.Context, query entities.PaymentQuery) ([]entities.RecurringPaymentDefinition, error) {
	if f.shouldError {
		return nil, ErrMock
	}
	if query.Payer != "" && query.Payer != f.def.Payer {
		return nil, nil
	}
	return []entities.RecurringPaymentDefinition{f.def}, nil
}

func (f *FakeBackend) call(name string) error {
	f.calls = append(f.calls, name)
	if f.shouldError {
		return ErrMock
	}
	return nil
}

func (f *FakeBackend) PausePayment(context.Context, string) error  { return f.call("pause") }
func (f *FakeBackend) ResumePayment(context.Context, string) error { return f.call("resume") }
func (f *FakeBackend) CancelPayment(context.Context, string) error { return f.call("cancel") }
func (f *FakeBackend) DeletePayment(context.Context, string) error { return f.call("delete") }

func (f *FakeBackend) RecallBatch(_ context.Context, batch entities.RecallBatch) error {
	f.batches = append(f.batches, batch)
	return nil
}

type FakeViews struct {
	store     *reconcile.ViewStore
	refreshed []string
}

func (f *FakeViews) View(address string) (entities.NoteView, bool) {
	return f.store.Get(address)
}

func (f *FakeViews) CompareAndSwap(expected, next entities.NoteView) (entities.NoteView, bool) {
	return f.store.CompareAndSwap(expected, next)
}

func (f *FakeViews) ForceRefresh(_ context.Context, address string) (entities.NoteView, error) {
	f.refreshed = append(f.refreshed, address)
	view, ok := f.store.Get(address)
	if !ok {
		return entities.NoteView{}, ErrMock
	}
	return view, nil
}

type FakeHeights struct {
	height uint64
}

func (f *FakeHeights) CurrentHeight(context.Context) (uint64, error) {
	return f.height, nil
}

type FakeMetrics struct {
	actions map[string]int
}

func (f *FakeMetrics) ObserveAction(action, outcome string) {
	if f.actions == nil {
		f.actions = make(map[string]int)
	}
	f.actions[action+"/"+outcome]++
}

type testService struct {
	service *Service
	ledger  *FakeLedger
	backend *FakeBackend
	views   *FakeViews
	metrics *FakeMetrics
}

func newTestService(t *testing.T) testService {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	ts := testService{
		ledger:  &FakeLedger{},
		backend: &FakeBackend{},
		views:   &FakeViews{store: reconcile.NewViewStore()},
		metrics: &FakeMetrics{},
	}
	calculator := schedule.NewCalculator(5*time.Second, FakeClock{now: now})
	ts.service = NewService(ts.ledger, ts.backend, ts.views, &FakeHeights{height: 1000}, calculator, logger.Sugar()).WithMetrics(ts.metrics)
	return ts
}

func index(i uint32) *uint32 {
	return &i
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func (ts testService) install(address string, notes ...entities.NoteRecord) entities.NoteView {
	view := entities.NoteView{Address: address, Height: 1000}
	for _, note := range notes {
		view.Notes = append(view.Notes, entities.ReconciledNote{NoteRecord: note, Verified: true, OnLedger: true})
	}
	return ts.views.store.Set(view)
}

func status(t *testing.T, ts testService, address, id string) entities.NoteStatus {
	view, ok := ts.views.store.Get(address)
	require.True(t, ok)
	note, ok := view.Find(id)
	require.True(t, ok)
	return note.Status
}

func recurringPayment() entities.RecurringPaymentDefinition {
	return entities.RecurringPaymentDefinition{
		ID:            "payment-1",
		Payer:         payer,
		Payee:         payee,
		Amounts:       []entities.TokenAmount{{Faucet: "0xfaucet", Amount: decimal.NewFromInt(100)}},
		Frequency:     entities.FrequencyMonthly,
		MaxExecutions: index(3),
		Status:        entities.DefinitionActive,
		CreatedAt:     time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC),
	}
}
