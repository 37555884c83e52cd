package normalize

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"councilsync/internal/ingest/models"
	id "councilsync/pkg/domain"
)

const source = id.SourceID("bonn")

func TestNormalizeMeeting(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "https://ris.bonn.de/meetings/42",
		"name": "Stadtrat 2025-06-12",
		"start": "2025-06-12T18:00:00+02:00",
		"end": "2025-06-12T21:30:00+02:00",
		"organization": ["https://ris.bonn.de/organizations/1", "https://ris.bonn.de/organizations/2"],
		"location": {"id": "https://ris.bonn.de/locations/7", "room": "Ratssaal"},
		"created": "2025-01-01T00:00:00Z",
		"modified": "2025-06-01T08:00:00Z",
		"customExtension": {"livestream": true}
	}`)

	res, err := Normalize(source, models.KindMeeting, raw)
	require.NoError(t, err)

	rec := res.Record
	assert.Equal(t, id.ExternalID("https://ris.bonn.de/meetings/42"), rec.ExternalID)
	assert.Equal(t, "Stadtrat 2025-06-12", rec.Name)
	require.NotNil(t, rec.Start)
	assert.Equal(t, time.Date(2025, 6, 12, 16, 0, 0, 0, time.UTC), rec.Start.UTC())
	require.NotNil(t, rec.SourceModified)
	assert.NotEmpty(t, rec.ContentHash)

	t.Run("payload preserved verbatim including unknown fields", func(t *testing.T) {
		assert.JSONEq(t, string(raw), string(rec.Payload))
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(rec.Payload, &decoded))
		assert.Contains(t, decoded, "customExtension")
	})

	t.Run("outgoing references extracted", func(t *testing.T) {
		require.Len(t, res.Edges, 3)
		byKind := map[models.RelationKind][]string{}
		for _, e := range res.Edges {
			assert.Equal(t, id.ExternalID("https://ris.bonn.de/meetings/42"), e.FromExtID)
			byKind[e.Kind] = append(byKind[e.Kind], e.ToExtID.String())
		}
		assert.ElementsMatch(t, []string{
			"https://ris.bonn.de/organizations/1",
			"https://ris.bonn.de/organizations/2",
		}, byKind[models.RelMeetingOrganization])
		assert.Equal(t, []string{"https://ris.bonn.de/locations/7"}, byKind[models.RelMeetingLocation])
	})
}

func TestNormalizeRequiredFields(t *testing.T) {
	cases := []struct {
		name    string
		kind    models.EntityKind
		raw     string
		wantErr string
	}{
		{
			name:    "meeting without start or cancellation",
			kind:    models.KindMeeting,
			raw:     `{"id": "m1", "name": "Sitzung"}`,
			wantErr: "missing start without cancellation flag",
		},
		{
			name: "cancelled meeting without start is valid",
			kind: models.KindMeeting,
			raw:  `{"id": "m2", "name": "Sitzung", "cancelled": true}`,
		},
		{
			name:    "missing external id",
			kind:    models.KindPerson,
			raw:     `{"name": "Erika Mustermann"}`,
			wantErr: "missing external id",
		},
		{
			name:    "person without name",
			kind:    models.KindPerson,
			raw:     `{"id": "p1"}`,
			wantErr: "missing name",
		},
		{
			name:    "paper without name and reference",
			kind:    models.KindPaper,
			raw:     `{"id": "pa1", "date": "2025-03-01"}`,
			wantErr: "missing name and reference",
		},
		{
			name: "paper with reference only is valid",
			kind: models.KindPaper,
			raw:  `{"id": "pa2", "reference": "DS 25/0123"}`,
		},
		{
			name:    "file without accessUrl",
			kind:    models.KindFile,
			raw:     `{"id": "f1", "fileName": "protokoll.pdf"}`,
			wantErr: "missing accessUrl",
		},
		{
			name:    "membership without person",
			kind:    models.KindMembership,
			raw:     `{"id": "mem1", "organization": "o1"}`,
			wantErr: "missing person reference",
		},
		{
			name:    "unparseable payload",
			kind:    models.KindBody,
			raw:     `"just a string"`,
			wantErr: "unparseable payload",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Normalize(source, tc.kind, json.RawMessage(tc.raw))
			if tc.wantErr == "" {
				require.NoError(t, err)
				require.NotNil(t, res.Record)
				return
			}
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Reason, tc.wantErr)
			assert.NotEmpty(t, verr.Payload, "raw payload retained for diagnostics")
		})
	}
}

func TestNormalizeDates(t *testing.T) {
	t.Run("date-only values parse", func(t *testing.T) {
		res, err := Normalize(source, models.KindLegislativeTerm, json.RawMessage(
			`{"id": "lt1", "name": "2020-2025", "startDate": "2020-11-01", "endDate": "2025-10-31", "body": "b1"}`))
		require.NoError(t, err)
		require.NotNil(t, res.Record.Start)
		assert.Equal(t, 2020, res.Record.Start.Year())
		require.NotNil(t, res.Record.End)
	})

	t.Run("nullable fields stay null", func(t *testing.T) {
		res, err := Normalize(source, models.KindPaper, json.RawMessage(`{"id": "pa3", "name": "Antrag"}`))
		require.NoError(t, err)
		assert.Nil(t, res.Record.Start)
		assert.Nil(t, res.Record.SourceModified)
	})

	t.Run("garbage dates are dropped not defaulted", func(t *testing.T) {
		res, err := Normalize(source, models.KindPaper, json.RawMessage(`{"id": "pa4", "name": "Antrag", "date": "soon"}`))
		require.NoError(t, err)
		assert.Nil(t, res.Record.Start)
	})
}

func TestNormalizeConsultationEdges(t *testing.T) {
	res, err := Normalize(source, models.KindConsultation, json.RawMessage(`{
		"id": "c1",
		"paper": "pa1",
		"meeting": "m1",
		"organization": "o1"
	}`))
	require.NoError(t, err)

	kinds := make([]models.RelationKind, 0, len(res.Edges))
	for _, e := range res.Edges {
		kinds = append(kinds, e.Kind)
	}
	assert.ElementsMatch(t, []models.RelationKind{
		models.RelConsultationPaper,
		models.RelConsultationMeeting,
		models.RelConsultationOrg,
	}, kinds)
}

func TestNormalizePaperFiles(t *testing.T) {
	res, err := Normalize(source, models.KindPaper, json.RawMessage(`{
		"id": "pa1",
		"name": "Beschlussvorlage",
		"mainFile": {"id": "f1", "fileName": "vorlage.pdf"},
		"auxiliaryFile": ["f2", "f3"]
	}`))
	require.NoError(t, err)

	var fileTargets []string
	for _, e := range res.Edges {
		if e.Kind == models.RelPaperFile {
			fileTargets = append(fileTargets, e.ToExtID.String())
		}
	}
	assert.ElementsMatch(t, []string{"f1", "f2", "f3"}, fileTargets)
}

func TestNormalizeIdenticalPayloadsHashEqual(t *testing.T) {
	raw := json.RawMessage(`{"id": "b1", "name": "Stadt Bonn"}`)
	a, err := Normalize(source, models.KindBody, raw)
	require.NoError(t, err)
	b, err := Normalize(source, models.KindBody, raw)
	require.NoError(t, err)
	assert.Equal(t, a.Record.ContentHash, b.Record.ContentHash)

	c, err := Normalize(source, models.KindBody, json.RawMessage(`{"id": "b1", "name": "Bundesstadt Bonn"}`))
	require.NoError(t, err)
	assert.NotEqual(t, a.Record.ContentHash, c.Record.ContentHash)
}
