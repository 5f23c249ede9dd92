package reconcile

import (
	"cmp"
	"slices"

	"github.com/qash-finance/schedule-service/business/domain/lifecycle"
	"github.com/qash-finance/schedule-service/entities"
)

// Conflict is a note whose backend status cannot legally become the ledger status.
type Conflict struct {
	NoteID        string
	BackendStatus entities.NoteStatus
	LedgerStatus  entities.NoteStatus
}

// Merge combines backend records and ledger observations into one de-duplicated note set,
// ordered by note key. The ledger status wins whenever both sources know a note. Notes only
// on the ledger are kept and marked unverified.
func Merge(backend, ledger []entities.NoteRecord) ([]entities.ReconciledNote, []Conflict) {
	merged := make(map[string]entities.ReconciledNote, len(backend)+len(ledger))
	for _, record := range backend {
		merged[record.Key()] = entities.ReconciledNote{NoteRecord: record, Verified: true}
	}

	var conflicts []Conflict
	for _, observed := range ledger {
		key := observed.Key()
		existing, ok := merged[key]
		if !ok {
			merged[key] = entities.ReconciledNote{NoteRecord: observed, OnLedger: true}
			continue
		}

		if lifecycle.Classify(existing.Status, observed.Status) == lifecycle.TransitionConflict {
			conflicts = append(conflicts, Conflict{NoteID: key, BackendStatus: existing.Status, LedgerStatus: observed.Status})
			existing.Conflict = true
		}
		existing.NoteRecord = enrich(existing.NoteRecord, observed)
		existing.OnLedger = true
		merged[key] = existing
	}

	notes := make([]entities.ReconciledNote, 0, len(merged))
	for _, note := range merged {
		notes = append(notes, note)
	}
	slices.SortFunc(notes, func(a, b entities.ReconciledNote) int {
		return cmp.Compare(a.Key(), b.Key())
	})
	slices.SortFunc(conflicts, func(a, b Conflict) int {
		return cmp.Compare(a.NoteID, b.NoteID)
	})
	return notes, conflicts
}

// enrich takes the status from the ledger and fills fields the backend record left empty.
func enrich(record, observed entities.NoteRecord) entities.NoteRecord {
	if observed.Status != "" {
		record.Status = observed.Status
	}
	if record.SerialNumber == "" {
		record.SerialNumber = observed.SerialNumber
	}
	if record.RecallHeight == 0 {
		record.RecallHeight = observed.RecallHeight
	}
	if len(record.Assets) == 0 {
		record.Assets = observed.Assets
	}
	return record
}

// Changes lists the notes whose status differs between two views of the same address.
// Notes new to the current view are not reported.
func Changes(previous, current entities.NoteView) []entities.NoteStatusChange {
	before := make(map[string]entities.NoteStatus, len(previous.Notes))
	for _, note := range previous.Notes {
		before[note.Key()] = note.Status
	}

	var changes []entities.NoteStatusChange
	for _, note := range current.Notes {
		from, ok := before[note.Key()]
		if !ok || from == note.Status {
			continue
		}
		changes = append(changes, entities.NoteStatusChange{
			Address:   current.Address,
			NoteID:    note.Key(),
			Type:      note.Type,
			PaymentID: note.PaymentID,
			From:      from,
			To:        note.Status,
			Height:    current.Height,
			Timestamp: current.RefreshedAt.Unix(),
		})
	}
	return changes
}
