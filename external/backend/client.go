package backend

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/qash-finance/schedule-service/entities"
	"github.com/qash-finance/schedule-service/external/httpjson"
)

// Client talks to the service of record for recurring payments and tracked notes.
type Client struct {
	http *httpjson.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{http: httpjson.NewClient(baseURL, timeout)}
}

type paymentResponse struct {
	Payment    entities.RecurringPaymentDefinition `json:"payment"`
	Executions []entities.ScheduledExecution       `json:"executions"`
}

func paymentPath(id string) string {
	return "/recurring-payments/" + url.PathEscape(id)
}

func (c *Client) CreatePayment(ctx context.Context, request entities.CreatePaymentRequest) (entities.RecurringPaymentDefinition, error) {
	var def entities.RecurringPaymentDefinition
	err := c.http.Do(ctx, http.MethodPost, "/recurring-payments", nil, request, &def)
	if err != nil {
		return entities.RecurringPaymentDefinition{}, errors.Wrap(err, "creating recurring payment")
	}
	return def, nil
}

// GetPayment returns the definition and its materialized executions ordered by index.
func (c *Client) GetPayment(ctx context.Context, id string) (entities.RecurringPaymentDefinition, []entities.ScheduledExecution, error) {
	var response paymentResponse
	err := c.http.Do(ctx, http.MethodGet, paymentPath(id), nil, nil, &response)
	if err != nil {
		return entities.RecurringPaymentDefinition{}, nil, errors.Wrapf(err, "getting recurring payment [%s]", id)
	}
	return response.Payment, response.Executions, nil
}

func (c *Client) ListPayments(ctx context.Context, query entities.PaymentQuery) ([]entities.RecurringPaymentDefinition, error) {
	values := url.Values{}
	if query.Status != "" {
		values.Set("status", string(query.Status))
	}
	if query.Payer != "" {
		values.Set("payer", query.Payer)
	}
	if query.Payee != "" {
		values.Set("payee", query.Payee)
	}

	var defs []entities.RecurringPaymentDefinition
	err := c.http.Do(ctx, http.MethodGet, "/recurring-payments", values, nil, &defs)
	if err != nil {
		return nil, errors.Wrap(err, "listing recurring payments")
	}
	return defs, nil
}

func (c *Client) PausePayment(ctx context.Context, id string) error {
	return c.update(ctx, id, "pause")
}

func (c *Client) ResumePayment(ctx context.Context, id string) error {
	return c.update(ctx, id, "resume")
}

func (c *Client) CancelPayment(ctx context.Context, id string) error {
	return c.update(ctx, id, "cancel")
}

func (c *Client) DeletePayment(ctx context.Context, id string) error {
	err := c.http.Do(ctx, http.MethodDelete, paymentPath(id), nil, nil, nil)
	if err != nil {
		return errors.Wrapf(err, "deleting recurring payment [%s]", id)
	}
	return nil
}

func (c *Client) update(ctx context.Context, id, operation string) error {
	err := c.http.Do(ctx, http.MethodPut, paymentPath(id)+"/"+operation, nil, nil, nil)
	if err != nil {
		return errors.Wrapf(err, "%s recurring payment [%s]", operation, id)
	}
	return nil
}

// RecallBatch reports notes the ledger recalled in transaction batch.TxID.
func (c *Client) RecallBatch(ctx context.Context, batch entities.RecallBatch) error {
	err := c.http.Do(ctx, http.MethodPost, "/notes/recall-batch", nil, batch, nil)
	if err != nil {
		return errors.Wrapf(err, "reporting recall batch [%s]", batch.TxID)
	}
	return nil
}

func (c *Client) GetDashboard(ctx context.Context, address string) (entities.Dashboard, error) {
	var dashboard entities.Dashboard
	err := c.http.Do(ctx, http.MethodGet, "/notes/dashboard", url.Values{"address": {address}}, nil, &dashboard)
	if err != nil {
		return entities.Dashboard{}, errors.Wrapf(err, "getting dashboard of [%s]", address)
	}
	return dashboard, nil
}

// GetNoteRecords flattens the dashboard of address into one record per note.
func (c *Client) GetNoteRecords(ctx context.Context, address string) ([]entities.NoteRecord, error) {
	dashboard, err := c.GetDashboard(ctx, address)
	if err != nil {
		return nil, err
	}
	return dashboard.Records(), nil
}
