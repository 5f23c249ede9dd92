package ledger

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/qash-finance/schedule-service/entities"
	"github.com/qash-finance/schedule-service/external/httpjson"
)

// Client talks to the ledger node gateway.
type Client struct {
	http *httpjson.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{http: httpjson.NewClient(baseURL, timeout)}
}

type heightResponse struct {
	Height uint64 `json:"height"`
}

type notesResponse struct {
	Notes []entities.NoteRecord `json:"notes"`
}

type submitRequest struct {
	NoteIDs []string `json:"noteIds"`
}

type submitResponse struct {
	TxID string `json:"txId"`
}

func (c *Client) GetCurrentHeight(ctx context.Context) (uint64, error) {
	var response heightResponse
	err := c.http.Do(ctx, http.MethodGet, "/height", nil, nil, &response)
	if err != nil {
		return 0, errors.Wrap(err, "getting current height")
	}
	return response.Height, nil
}

// GetConsumableNotes lists the notes the ledger reports for address. Notes without a status
// are consumable and therefore pending.
func (c *Client) GetConsumableNotes(ctx context.Context, address string) ([]entities.NoteRecord, error) {
	var response notesResponse
	err := c.http.Do(ctx, http.MethodGet, "/accounts/"+url.PathEscape(address)+"/consumable-notes", nil, nil, &response)
	if err != nil {
		return nil, errors.Wrapf(err, "getting consumable notes of [%s]", address)
	}
	for i := range response.Notes {
		if response.Notes[i].Status == "" {
			response.Notes[i].Status = entities.NotePending
		}
	}
	return response.Notes, nil
}

func (c *Client) SubmitClaim(ctx context.Context, noteIDs []string) (string, error) {
	return c.submit(ctx, "/transactions/claim", noteIDs)
}

func (c *Client) SubmitRecall(ctx context.Context, noteIDs []string) (string, error) {
	return c.submit(ctx, "/transactions/recall", noteIDs)
}

func (c *Client) submit(ctx context.Context, path string, noteIDs []string) (string, error) {
	var response submitResponse
	err := c.http.Do(ctx, http.MethodPost, path, nil, submitRequest{NoteIDs: noteIDs}, &response)
	if err != nil {
		return "", errors.Wrapf(err, "submitting %d notes", len(noteIDs))
	}
	if response.TxID == "" {
		return "", errors.Errorf("%s: empty transaction id", path)
	}
	return response.TxID, nil
}
