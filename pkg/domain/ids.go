package domain

import "github.com/google/uuid"

// SourceID identifies a configured municipality source. Sources are declared
// in configuration, so the id is a short human-chosen slug rather than a UUID.
type SourceID string

func (s SourceID) String() string { return string(s) }

func (s SourceID) IsEmpty() bool { return s == "" }

// RunID identifies a single sync run.
type RunID uuid.UUID

// NewRunID returns a fresh random run id.
func NewRunID() RunID { return RunID(uuid.New()) }

// ParseRunID parses the canonical string form of a run id.
func ParseRunID(s string) (RunID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return RunID{}, err
	}
	return RunID(u), nil
}

func (r RunID) String() string { return uuid.UUID(r).String() }

func (r RunID) IsNil() bool { return uuid.UUID(r) == uuid.Nil }

// ExternalID is the stable identifier an upstream source assigns to an
// entity. Upstream sources use absolute URLs, so it is unique per source.
type ExternalID string

func (e ExternalID) String() string { return string(e) }

func (e ExternalID) IsEmpty() bool { return e == "" }
