package entities

import (
	"encoding/json"

	"github.com/pkg/errors"
)

type Frequency string

const (
	FrequencyDaily   Frequency = "DAILY"
	FrequencyWeekly  Frequency = "WEEKLY"
	FrequencyMonthly Frequency = "MONTHLY"
	FrequencyYearly  Frequency = "YEARLY"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyYearly:
		return true
	}
	return false
}

func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(s)
	if !f.Valid() {
		return "", errors.Errorf("unknown frequency [%s]", s)
	}
	return f, nil
}

func (f *Frequency) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(data, f, ParseFrequency)
}

// DefinitionStatus is the lifecycle state of a recurring payment definition.
// Definitions are only ever removed logically (CANCELLED or COMPLETED).
type DefinitionStatus string

const (
	DefinitionActive    DefinitionStatus = "ACTIVE"
	DefinitionPaused    DefinitionStatus = "PAUSED"
	DefinitionCancelled DefinitionStatus = "CANCELLED"
	DefinitionCompleted DefinitionStatus = "COMPLETED"
)

func (s DefinitionStatus) Valid() bool {
	switch s {
	case DefinitionActive, DefinitionPaused, DefinitionCancelled, DefinitionCompleted:
		return true
	}
	return false
}

func (s DefinitionStatus) Terminal() bool {
	return s == DefinitionCancelled || s == DefinitionCompleted
}

// CanTransitionTo reports whether a payer action may move a definition from s to next.
// COMPLETED is reached only through the execution count, never by a payer action.
func (s DefinitionStatus) CanTransitionTo(next DefinitionStatus) bool {
	switch s {
	case DefinitionActive:
		return next == DefinitionPaused || next == DefinitionCancelled || next == DefinitionCompleted
	case DefinitionPaused:
		return next == DefinitionActive || next == DefinitionCancelled
	}
	return false
}

func ParseDefinitionStatus(s string) (DefinitionStatus, error) {
	st := DefinitionStatus(s)
	if !st.Valid() {
		return "", errors.Errorf("unknown definition status [%s]", s)
	}
	return st, nil
}

func (s *DefinitionStatus) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(data, s, ParseDefinitionStatus)
}

// NoteStatus is the shared state machine of scheduled executions and recallable notes.
// CONSUMED and RECALLED are terminal.
type NoteStatus string

const (
	NotePending  NoteStatus = "PENDING"
	NoteConsumed NoteStatus = "CONSUMED"
	NoteRecalled NoteStatus = "RECALLED"
)

func (s NoteStatus) Valid() bool {
	switch s {
	case NotePending, NoteConsumed, NoteRecalled:
		return true
	}
	return false
}

func (s NoteStatus) Terminal() bool {
	return s == NoteConsumed || s == NoteRecalled
}

func ParseNoteStatus(s string) (NoteStatus, error) {
	st := NoteStatus(s)
	if !st.Valid() {
		return "", errors.Errorf("unknown note status [%s]", s)
	}
	return st, nil
}

func (s *NoteStatus) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(data, s, ParseNoteStatus)
}

type NoteType string

const (
	NoteTypeRecurring  NoteType = "RECURRING"
	NoteTypeRecallable NoteType = "RECALLABLE"
)

func unmarshalEnum[T ~string](data []byte, target *T, parse func(string) (T, error)) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "decoding enum value")
	}
	value, err := parse(raw)
	if err != nil {
		return err
	}
	*target = value
	return nil
}
