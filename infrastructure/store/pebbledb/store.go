package pebbledb

import (
	"bytes"
	"encoding/gob"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/qash-finance/schedule-service/entities"
)

const noteViewKeyPrefix = 0x01

type Store struct {
	db *pebble.DB
}

func NewStore(storeDir string) (*Store, error) {
	db, err := pebble.Open(filepath.Join(storeDir, "schedule-service-store"), &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "opening pebble db")
	}

	return &Store{db: db}, nil
}

func noteViewKey(address string) []byte {
	return append([]byte{noteViewKeyPrefix}, address...)
}

// SaveView stores the last reconciled view of an address so a restart serves it until the
// first refresh completes.
func (s *Store) SaveView(view entities.NoteView) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(view); err != nil {
		return errors.Wrapf(err, "encoding view of [%s]", view.Address)
	}

	err := s.db.Set(noteViewKey(view.Address), buf.Bytes(), pebble.Sync)
	if err != nil {
		return errors.Wrapf(err, "setting view of [%s]", view.Address)
	}
	return nil
}

func (s *Store) GetView(address string) (entities.NoteView, error) {
	value, closer, err := s.db.Get(noteViewKey(address))
	if errors.Is(err, pebble.ErrNotFound) {
		return entities.NoteView{}, entities.ErrNotFound
	}
	if err != nil {
		return entities.NoteView{}, errors.Wrapf(err, "getting view of [%s]", address)
	}
	defer closer.Close()

	var view entities.NoteView
	if err := gob.NewDecoder(bytes.NewReader(value)).Decode(&view); err != nil {
		return entities.NoteView{}, errors.Wrapf(err, "decoding view of [%s]", address)
	}
	return view, nil
}

// Addresses lists every address with a stored view, in key order.
func (s *Store) Addresses() ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{noteViewKeyPrefix},
		UpperBound: []byte{noteViewKeyPrefix + 1},
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating iterator")
	}
	defer iter.Close()

	var addresses []string
	for iter.First(); iter.Valid(); iter.Next() {
		addresses = append(addresses, string(iter.Key()[1:]))
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, "iterating views")
	}
	return addresses, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
