package action

import (
	"context"

	"github.com/pkg/errors"
	"github.com/qash-finance/schedule-service/business/domain/reconcile"
	"github.com/qash-finance/schedule-service/business/domain/schedule"
	"github.com/qash-finance/schedule-service/entities"
	"go.uber.org/zap"
)

type Ledger interface {
	SubmitClaim(ctx context.Context, noteIDs []string) (string, error)
	SubmitRecall(ctx context.Context, noteIDs []string) (string, error)
}

type Backend interface {
	CreatePayment(ctx context.Context, request entities.CreatePaymentRequest) (entities.RecurringPaymentDefinition, error)
	GetPayment(ctx context.Context, id string) (entities.RecurringPaymentDefinition, []entities.ScheduledExecution, error)
	ListPayments(ctx context.Context, query entities.PaymentQuery) ([]entities.RecurringPaymentDefinition, error)
	PausePayment(ctx context.Context, id string) error
	ResumePayment(ctx context.Context, id string) error
	CancelPayment(ctx context.Context, id string) error
	DeletePayment(ctx context.Context, id string) error
	RecallBatch(ctx context.Context, batch entities.RecallBatch) error
}

type Views interface {
	View(address string) (entities.NoteView, bool)
	CompareAndSwap(expected, next entities.NoteView) (entities.NoteView, bool)
	ForceRefresh(ctx context.Context, address string) (entities.NoteView, error)
}

type HeightProvider interface {
	CurrentHeight(ctx context.Context) (uint64, error)
}

type Metrics interface {
	ObserveAction(action, outcome string)
}

// Service executes user actions against the ledger and the backend and keeps the reconciled
// views in step with them.
type Service struct {
	ledger     Ledger
	backend    Backend
	views      Views
	heights    HeightProvider
	calculator schedule.Calculator
	metrics    Metrics
	logger     *zap.SugaredLogger
}

func NewService(ledger Ledger, backend Backend, views Views, heights HeightProvider, calculator schedule.Calculator, logger *zap.SugaredLogger) *Service {
	return &Service{
		ledger:     ledger,
		backend:    backend,
		views:      views,
		heights:    heights,
		calculator: calculator,
		logger:     logger,
	}
}

func (s *Service) WithMetrics(metrics Metrics) *Service {
	s.metrics = metrics
	return s
}

// refresh forces a new reconciliation of address after a mutation. Failures only mean the
// poller will catch up later.
func (s *Service) refresh(ctx context.Context, address string) {
	if address == "" {
		return
	}
	_, err := s.views.ForceRefresh(ctx, address)
	if err != nil && !errors.Is(err, reconcile.ErrSuperseded) {
		s.logger.Warnw("Refresh after action failed.", "address", address, "error", err)
	}
}

// currentView returns the view of address, refreshing it first if there is none yet.
func (s *Service) currentView(ctx context.Context, address string) (entities.NoteView, error) {
	if view, ok := s.views.View(address); ok {
		return view, nil
	}
	view, err := s.views.ForceRefresh(ctx, address)
	if err != nil {
		return entities.NoteView{}, errors.Wrapf(err, "loading view of [%s]", address)
	}
	return view, nil
}

func (s *Service) observe(action, outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveAction(action, outcome)
	}
}
