package entities

import (
	"time"
)

// NoteRecord is the shape shared by ledger-observed and backend-tracked notes. Recurring
// payment notes carry PaymentID and Index; recallable notes carry the recall timelock.
type NoteRecord struct {
	ID           string        `json:"id"`
	SerialNumber string        `json:"serialNumber"`
	Type         NoteType      `json:"type"`
	Sender       string        `json:"sender"`
	Recipient    string        `json:"recipient"`
	Assets       []TokenAmount `json:"assets"`
	Status       NoteStatus    `json:"status"`
	RecallHeight uint64        `json:"recallHeight,omitempty"`
	RecallableAt *time.Time    `json:"recallableAt,omitempty"`
	ClaimableAt  *time.Time    `json:"claimableAt,omitempty"`
	PaymentID    string        `json:"paymentId,omitempty"`
	Index        *uint32       `json:"index,omitempty"`
}

// Key is the identity notes are de-duplicated by: the note id, or the serial number when
// a source only reports the latter.
func (n NoteRecord) Key() string {
	if n.ID != "" {
		return n.ID
	}
	return n.SerialNumber
}

// RecallableNote is a transferred unit of value the sender may reclaim once RecallHeight
// is reached and the recipient has not consumed it.
type RecallableNote struct {
	SerialNumber string
	Sender       string
	Recipient    string
	Assets       []TokenAmount
	RecallableAt time.Time
	RecallHeight uint64
	Status       NoteStatus
}

func (n NoteRecord) Recallable() (RecallableNote, bool) {
	if n.RecallableAt == nil && n.RecallHeight == 0 {
		return RecallableNote{}, false
	}
	var at time.Time
	if n.RecallableAt != nil {
		at = *n.RecallableAt
	}
	return RecallableNote{
		SerialNumber: n.SerialNumber,
		Sender:       n.Sender,
		Recipient:    n.Recipient,
		Assets:       n.Assets,
		RecallableAt: at,
		RecallHeight: n.RecallHeight,
		Status:       n.Status,
	}, true
}

type RecallItem struct {
	Type NoteType `json:"type"`
	ID   string   `json:"id"`
}

type RecallBatch struct {
	Items []RecallItem `json:"items"`
	TxID  string       `json:"txId"`
}

// Dashboard is the backend's consumable/recallable view of one address.
type Dashboard struct {
	Pending    []NoteRecord `json:"pending"`
	Recallable []NoteRecord `json:"recallable"`
	Recalled   []NoteRecord `json:"recalled"`
	Consumed   []NoteRecord `json:"consumed"`
}

// Records flattens the dashboard sets into one list. A note present in more than one set
// keeps the entry of the later set (pending < recallable < recalled/consumed).
func (d Dashboard) Records() []NoteRecord {
	seen := make(map[string]int)
	var records []NoteRecord
	for _, set := range [][]NoteRecord{d.Pending, d.Recallable, d.Recalled, d.Consumed} {
		for _, record := range set {
			if i, ok := seen[record.Key()]; ok {
				records[i] = record
				continue
			}
			seen[record.Key()] = len(records)
			records = append(records, record)
		}
	}
	return records
}
