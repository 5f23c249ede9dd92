package kafka

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/qash-finance/schedule-service/entities"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

type KafkaClient interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
}

// Client publishes note status changes. Records are keyed by note id so the changes of one
// note stay ordered within a partition.
type Client struct {
	kcl    KafkaClient
	logger *zap.SugaredLogger
}

func NewClient(kafkaClient KafkaClient, logger *zap.SugaredLogger) *Client {
	return &Client{
		kcl:    kafkaClient,
		logger: logger,
	}
}

func (kc *Client) PublishStatusChanges(ctx context.Context, changes []entities.NoteStatusChange) error {
	wg := sync.WaitGroup{}
	errorChannel := make(chan error, len(changes))

	for _, change := range changes {
		record, err := createStatusChangeRecord(change)
		if err != nil {
			kc.logger.Errorw("Error creating status change record.", "note", change.NoteID, "error", err)
			errorChannel <- err
			break
		}

		wg.Add(1)
		kc.kcl.Produce(ctx, record, func(_ *kgo.Record, err error) {
			defer wg.Done()
			if err != nil {
				kc.logger.Errorw("Error producing status change record.", "note", change.NoteID, "error", err)
				errorChannel <- err
				return
			}
			errorChannel <- nil
		})
	}

	wg.Wait()
	close(errorChannel)

	for err := range errorChannel {
		if err != nil {
			return errors.Wrap(err, "producing status change records")
		}
	}
	return nil
}

func createStatusChangeRecord(change entities.NoteStatusChange) (*kgo.Record, error) {
	payload, err := json.Marshal(change)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling status change to json")
	}

	return &kgo.Record{
		Key:   []byte(change.NoteID),
		Value: payload,
	}, nil
}
