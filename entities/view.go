package entities

import (
	"time"
)

const (
	SourceLedger  = "ledger"
	SourceBackend = "backend"
)

// ReconciledNote is a note after merging the backend record with the ledger observation.
// Verified is false for notes only the ledger reports. OnLedger is false for notes the
// ledger did not report in the last successful fetch.
type ReconciledNote struct {
	NoteRecord
	Verified bool `json:"verified"`
	OnLedger bool `json:"onLedger"`
	Conflict bool `json:"conflict,omitempty"`
}

// NoteView is the reconciled note set of one address. Views are replaced whole and never
// mutated after they are published.
type NoteView struct {
	Address     string           `json:"address"`
	Notes       []ReconciledNote `json:"notes"`
	Height      uint64           `json:"height"`
	RefreshedAt time.Time        `json:"refreshedAt"`
	Stale       []string         `json:"stale,omitempty"`
	Revision    uint64           `json:"revision"`
}

func (v NoteView) IsStale() bool {
	return len(v.Stale) > 0
}

func (v NoteView) Find(id string) (ReconciledNote, bool) {
	for _, note := range v.Notes {
		if note.Key() == id {
			return note, true
		}
	}
	return ReconciledNote{}, false
}

// NoteStatusChange is published whenever a refresh observes a note in a new status.
type NoteStatusChange struct {
	Address   string     `json:"address"`
	NoteID    string     `json:"noteId"`
	Type      NoteType   `json:"type"`
	PaymentID string     `json:"paymentId,omitempty"`
	From      NoteStatus `json:"from"`
	To        NoteStatus `json:"to"`
	Height    uint64     `json:"height"`
	Timestamp int64      `json:"timestamp"`
}
