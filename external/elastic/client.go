package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/pkg/errors"
	"github.com/qash-finance/schedule-service/entities"
)

// noteDocument is one reconciled note as seen from one address.
type noteDocument struct {
	entities.ReconciledNote
	Address     string    `json:"address"`
	Height      uint64    `json:"height"`
	RefreshedAt time.Time `json:"refreshedAt"`
	Stale       bool      `json:"stale"`
}

type Client struct {
	index    string
	esClient *elasticsearch.Client
}

func NewClient(esClient *elasticsearch.Client, index string) *Client {
	return &Client{
		index:    index,
		esClient: esClient,
	}
}

func documentID(address, noteKey string) string {
	return address + "-" + noteKey
}

// IndexNotes upserts every note of view. Documents are keyed by address and note so repeated
// refreshes overwrite the same documents.
func (es *Client) IndexNotes(ctx context.Context, view entities.NoteView) error {
	if len(view.Notes) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, note := range view.Notes {
		meta := []byte(fmt.Sprintf(`{ "index": { "_index": "%s", "_id": "%s" } }%s`, es.index, documentID(view.Address, note.Key()), "\n"))
		buf.Write(meta)

		data, err := json.Marshal(noteDocument{
			ReconciledNote: note,
			Address:        view.Address,
			Height:         view.Height,
			RefreshedAt:    view.RefreshedAt,
			Stale:          view.IsStale(),
		})
		if err != nil {
			return errors.Wrapf(err, "serializing note [%s]", note.Key())
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	res, err := es.esClient.Bulk(bytes.NewReader(buf.Bytes()), es.esClient.Bulk.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "bulk request failed")
	}
	defer res.Body.Close()

	if res.IsError() {
		return errors.Errorf("bulk request error: %s", res.String())
	}

	var response bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&response); err != nil {
		return errors.Wrap(err, "decoding bulk response")
	}
	if response.Errors {
		return errors.Errorf("bulk request for [%s] had item errors: %s", view.Address, response.firstError())
	}
	return nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error,omitempty"`
	} `json:"items"`
}

func (r bulkResponse) firstError() string {
	for _, item := range r.Items {
		for _, result := range item {
			if result.Error != nil {
				return fmt.Sprintf("[%s] %s: %s", result.ID, result.Error.Type, result.Error.Reason)
			}
		}
	}
	return "unknown"
}
