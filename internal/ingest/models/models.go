// Package models holds the canonical data model for the ingestion engine:
// sources, entity records, relation edges, and sync runs.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	id "councilsync/pkg/domain"
)

// Mode selects how much of a source a sync run re-fetches.
type Mode string

const (
	// ModeFull re-fetches every entity kind, ignoring the stored watermark.
	ModeFull Mode = "full"
	// ModeIncremental fetches only entities modified since the watermark.
	ModeIncremental Mode = "incremental"
)

// ParseMode maps the wire value onto a Mode, defaulting to incremental.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeFull:
		return ModeFull, true
	case ModeIncremental, "":
		return ModeIncremental, true
	}
	return "", false
}

// Source describes one configured municipality endpoint. Immutable during a
// run.
type Source struct {
	ID             id.SourceID   `yaml:"id"`
	Name           string        `yaml:"name"`
	BaseURL        string        `yaml:"base_url"`
	Credential     string        `yaml:"credential"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	PageDelay      time.Duration `yaml:"page_delay"`
	DefaultMode    Mode          `yaml:"default_mode"`
}

// EntityKind enumerates the upstream entity types the engine ingests.
type EntityKind string

const (
	KindBody            EntityKind = "body"
	KindLegislativeTerm EntityKind = "legislative_term"
	KindLocation        EntityKind = "location"
	KindOrganization    EntityKind = "organization"
	KindPerson          EntityKind = "person"
	KindMembership      EntityKind = "membership"
	KindMeeting         EntityKind = "meeting"
	KindAgendaItem      EntityKind = "agenda_item"
	KindPaper           EntityKind = "paper"
	KindConsultation    EntityKind = "consultation"
	KindFile            EntityKind = "file"
)

// KindOrder lists entity kinds in dependency-favoring fetch order. Kinds
// whose entities are referenced by others come first so phase 1 creates as
// few pending edges as possible. Correctness never depends on this order;
// phase 2 resolves any remaining forward references.
var KindOrder = []EntityKind{
	KindBody,
	KindLegislativeTerm,
	KindLocation,
	KindOrganization,
	KindPerson,
	KindMembership,
	KindMeeting,
	KindAgendaItem,
	KindPaper,
	KindConsultation,
	KindFile,
}

// Endpoint returns the list-endpoint path for the kind, relative to the
// source base URL.
func (k EntityKind) Endpoint() string {
	switch k {
	case KindBody:
		return "bodies"
	case KindLegislativeTerm:
		return "legislative-terms"
	case KindLocation:
		return "locations"
	case KindOrganization:
		return "organizations"
	case KindPerson:
		return "people"
	case KindMembership:
		return "memberships"
	case KindMeeting:
		return "meetings"
	case KindAgendaItem:
		return "agenda-items"
	case KindPaper:
		return "papers"
	case KindConsultation:
		return "consultations"
	case KindFile:
		return "files"
	}
	return string(k)
}

// Record is the canonical form of one upstream entity. Typed scalar fields
// are parsed out of the payload; the payload itself is preserved verbatim for
// reprocessing without refetching.
type Record struct {
	ID         uuid.UUID
	Source     id.SourceID
	Kind       EntityKind
	ExternalID id.ExternalID

	Name      string
	Reference string     // paper reference, membership role, file name, ...
	WebURL    string     // human-facing page, when the source provides one
	Start     *time.Time // meeting start, term/mandate begin, paper date
	End       *time.Time
	Cancelled bool
	Deleted   bool // upstream tombstone

	SourceCreated  *time.Time
	SourceModified *time.Time

	Payload     json.RawMessage
	ContentHash string

	CreatedAt    time.Time
	LastSyncedAt time.Time
}

// UpsertOutcome reports what Upsert did with a record.
type UpsertOutcome int

const (
	OutcomeInserted UpsertOutcome = iota
	OutcomeUpdated
	OutcomeUnchanged
)

func (o UpsertOutcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeUnchanged:
		return "unchanged"
	}
	return "unknown"
}

// RecordError is one record-level failure inside a batch.
type RecordError struct {
	ExternalID id.ExternalID
	Message    string
}

// BatchResult reports what one kind's upsert batch did.
type BatchResult struct {
	Inserted  int
	Updated   int
	Unchanged int
	Failed    int

	// InternalIDs maps every successfully upserted external id to its
	// surrogate id; Outcomes records what the upsert did per record, which
	// drives change-event publication.
	InternalIDs map[id.ExternalID]uuid.UUID
	Outcomes    map[id.ExternalID]UpsertOutcome
	Errors      []RecordError
}

// ChangeEvent notifies downstream consumers (search indexing, summarization)
// that an entity was inserted or updated.
type ChangeEvent struct {
	Source     id.SourceID   `json:"source"`
	Kind       EntityKind    `json:"kind"`
	ExternalID id.ExternalID `json:"external_id"`
	Op         string        `json:"op"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// RelationKind types a link between two entity records.
type RelationKind string

const (
	RelOrganizationBody     RelationKind = "organization_body"
	RelLegislativeTermBody  RelationKind = "legislative_term_body"
	RelPersonLocation       RelationKind = "person_location"
	RelMembershipPerson     RelationKind = "membership_person"
	RelMembershipOrg        RelationKind = "membership_organization"
	RelMeetingOrganization  RelationKind = "meeting_organization"
	RelMeetingLocation      RelationKind = "meeting_location"
	RelAgendaItemMeeting    RelationKind = "agenda_item_meeting"
	RelAgendaItemConsult    RelationKind = "agenda_item_consultation"
	RelPaperBody            RelationKind = "paper_body"
	RelPaperFile            RelationKind = "paper_file"
	RelConsultationPaper    RelationKind = "consultation_paper"
	RelConsultationMeeting  RelationKind = "consultation_meeting"
	RelConsultationOrg      RelationKind = "consultation_organization"
)

// PendingEdge is a recorded relation whose target is known only by external
// id. It is resolved into a Relation in phase 2, or kept pending with a
// bumped attempt count. Never silently dropped.
type PendingEdge struct {
	Source     id.SourceID
	Kind       RelationKind
	FromExtID  id.ExternalID
	ToExtID    id.ExternalID
	Attempts   int
	Orphaned   bool
	FirstSeen  time.Time
	LastTried  time.Time
}

// Relation links two ingested entity records by internal id.
type Relation struct {
	Source id.SourceID
	Kind   RelationKind
	FromID uuid.UUID
	ToID   uuid.UUID
}

// RunState is the lifecycle state of a sync run.
type RunState string

const (
	RunPending RunState = "pending"
	RunRunning RunState = "running"
	RunSuccess RunState = "success"
	RunPartial RunState = "partial"
	RunFailed  RunState = "failed"
)

// Terminal reports whether the state is final.
func (s RunState) Terminal() bool {
	return s == RunSuccess || s == RunPartial || s == RunFailed
}

// KindCounters tallies per-entity-kind outcomes within one run.
type KindCounters struct {
	Fetched  int `json:"fetched"`
	Upserted int `json:"upserted"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// RunError is one sampled error attributed to a kind within a run.
type RunError struct {
	Kind    EntityKind `json:"kind,omitempty"`
	Stage   string     `json:"stage"` // fetch, parse, validate, store, resolve
	Message string     `json:"message"`
}

// SyncRun records one orchestrator invocation for a source.
type SyncRun struct {
	ID       id.RunID
	Source   id.SourceID
	Mode     Mode
	State    RunState
	Counters map[EntityKind]*KindCounters
	Errors   []RunError

	WatermarkUsed     *time.Time
	WatermarkProduced *time.Time

	StartedAt  time.Time
	FinishedAt *time.Time
}

// CounterFor returns the counters bucket for kind, allocating it on first
// use.
func (r *SyncRun) CounterFor(kind EntityKind) *KindCounters {
	if r.Counters == nil {
		r.Counters = make(map[EntityKind]*KindCounters)
	}
	c, ok := r.Counters[kind]
	if !ok {
		c = &KindCounters{}
		r.Counters[kind] = c
	}
	return c
}
