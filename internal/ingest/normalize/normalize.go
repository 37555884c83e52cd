// Package normalize maps raw upstream payloads into canonical records.
// Typed scalar fields are parsed out; everything else, including fields
// outside the known schema, rides along in the preserved payload verbatim.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"councilsync/internal/ingest/models"
	id "councilsync/pkg/domain"
)

// ValidationError reports a payload that fails its kind's minimal required
// fields. The raw payload is retained for diagnostics; the record is excluded
// from storage.
type ValidationError struct {
	Kind    models.EntityKind
	Reason  string
	Payload json.RawMessage
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Kind, e.Reason)
}

// Result couples a canonical record with the outgoing references extracted
// from its payload.
type Result struct {
	Record *models.Record
	Edges  []models.PendingEdge
}

// envelope covers the fields shared by every upstream entity plus the
// reference fields of all kinds. Unknown fields are not lost: the record
// keeps the raw payload verbatim.
type envelope struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Web      string `json:"web"`
	Created  string `json:"created"`
	Modified string `json:"modified"`
	Deleted  bool   `json:"deleted"`

	// meeting
	Start     string `json:"start"`
	End       string `json:"end"`
	Cancelled bool   `json:"cancelled"`

	// paper
	Reference string `json:"reference"`
	Date      string `json:"date"`

	// membership
	Role string `json:"role"`

	// file
	FileName  string `json:"fileName"`
	AccessURL string `json:"accessUrl"`

	// legislative term / membership mandate
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`

	// references, scalar or list, plain id or embedded object
	Body          ref     `json:"body"`
	Location      ref     `json:"location"`
	Person        ref     `json:"person"`
	Organization  refList `json:"organization"`
	Meeting       ref     `json:"meeting"`
	Paper         ref     `json:"paper"`
	Consultation  ref     `json:"consultation"`
	MainFile      ref     `json:"mainFile"`
	AuxiliaryFile refList `json:"auxiliaryFile"`
}

// ref accepts either a bare identifier string or an embedded object carrying
// an "id" field.
type ref struct {
	ID string
}

func (r *ref) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		r.ID = s
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	r.ID = obj.ID
	return nil
}

// refList accepts a single reference or an array of them.
type refList struct {
	IDs []string
}

func (r *refList) UnmarshalJSON(data []byte) error {
	var list []ref
	if err := json.Unmarshal(data, &list); err == nil {
		for _, item := range list {
			if item.ID != "" {
				r.IDs = append(r.IDs, item.ID)
			}
		}
		return nil
	}
	var single ref
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	if single.ID != "" {
		r.IDs = []string{single.ID}
	}
	return nil
}

// Normalize parses one raw payload of the given kind for the given source.
// It returns a *ValidationError when the payload fails the kind's minimal
// required fields.
func Normalize(source id.SourceID, kind models.EntityKind, raw json.RawMessage) (*Result, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ValidationError{Kind: kind, Reason: fmt.Sprintf("unparseable payload: %v", err), Payload: raw}
	}
	if env.ID == "" {
		return nil, &ValidationError{Kind: kind, Reason: "missing external id", Payload: raw}
	}

	sum := sha256.Sum256(raw)
	rec := &models.Record{
		Source:      source,
		Kind:        kind,
		ExternalID:  id.ExternalID(env.ID),
		Name:        env.Name,
		WebURL:      env.Web,
		Cancelled:   env.Cancelled,
		Deleted:     env.Deleted,
		Payload:     append(json.RawMessage(nil), raw...),
		ContentHash: hex.EncodeToString(sum[:]),
	}
	rec.SourceCreated = parseTime(env.Created)
	rec.SourceModified = parseTime(env.Modified)

	switch kind {
	case models.KindMeeting:
		rec.Start = parseTime(env.Start)
		rec.End = parseTime(env.End)
	case models.KindPaper:
		rec.Start = parseTime(env.Date)
		rec.Reference = env.Reference
	case models.KindLegislativeTerm, models.KindMembership:
		rec.Start = parseTime(env.StartDate)
		rec.End = parseTime(env.EndDate)
		rec.Reference = env.Role
	case models.KindFile:
		rec.Reference = env.FileName
		rec.WebURL = firstNonEmpty(env.AccessURL, env.Web)
	}

	if reason := requiredFields(kind, &env, rec); reason != "" {
		return nil, &ValidationError{Kind: kind, Reason: reason, Payload: raw}
	}

	return &Result{Record: rec, Edges: edges(source, kind, &env)}, nil
}

// requiredFields enforces each kind's minimal schema. Nullable fields stay
// null; only fields the engine cannot work without are checked.
func requiredFields(kind models.EntityKind, env *envelope, rec *models.Record) string {
	switch kind {
	case models.KindBody, models.KindOrganization, models.KindPerson:
		if env.Name == "" {
			return "missing name"
		}
	case models.KindMeeting:
		// A meeting needs a start time unless it was explicitly cancelled.
		if rec.Start == nil && !env.Cancelled {
			return "missing start without cancellation flag"
		}
	case models.KindPaper:
		if env.Name == "" && env.Reference == "" {
			return "missing name and reference"
		}
	case models.KindMembership:
		if env.Person.ID == "" {
			return "missing person reference"
		}
	case models.KindConsultation:
		if env.Paper.ID == "" && env.Meeting.ID == "" {
			return "missing paper and meeting references"
		}
	case models.KindFile:
		if env.AccessURL == "" {
			return "missing accessUrl"
		}
	}
	return ""
}

// edges extracts the kind's outgoing references as pending edges. Targets
// may not be ingested yet; phase 2 resolves them.
func edges(source id.SourceID, kind models.EntityKind, env *envelope) []models.PendingEdge {
	from := id.ExternalID(env.ID)
	var out []models.PendingEdge
	add := func(rel models.RelationKind, target string) {
		if target == "" || target == env.ID {
			return
		}
		out = append(out, models.PendingEdge{
			Source:    source,
			Kind:      rel,
			FromExtID: from,
			ToExtID:   id.ExternalID(target),
		})
	}
	addAll := func(rel models.RelationKind, targets []string) {
		for _, t := range targets {
			add(rel, t)
		}
	}

	switch kind {
	case models.KindOrganization:
		add(models.RelOrganizationBody, env.Body.ID)
	case models.KindLegislativeTerm:
		add(models.RelLegislativeTermBody, env.Body.ID)
	case models.KindPerson:
		add(models.RelPersonLocation, env.Location.ID)
	case models.KindMembership:
		add(models.RelMembershipPerson, env.Person.ID)
		addAll(models.RelMembershipOrg, env.Organization.IDs)
	case models.KindMeeting:
		addAll(models.RelMeetingOrganization, env.Organization.IDs)
		add(models.RelMeetingLocation, env.Location.ID)
	case models.KindAgendaItem:
		add(models.RelAgendaItemMeeting, env.Meeting.ID)
		add(models.RelAgendaItemConsult, env.Consultation.ID)
	case models.KindPaper:
		add(models.RelPaperBody, env.Body.ID)
		add(models.RelPaperFile, env.MainFile.ID)
		addAll(models.RelPaperFile, env.AuxiliaryFile.IDs)
	case models.KindConsultation:
		add(models.RelConsultationPaper, env.Paper.ID)
		add(models.RelConsultationMeeting, env.Meeting.ID)
		addAll(models.RelConsultationOrg, env.Organization.IDs)
	}
	return out
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
