package engine

import (
	"encoding/json"

	"factorypulse/internal/domain"
)

// Snapshot is the fully populated view of a project that prerequisite
// predicates evaluate against. Predicates never reach back to the store;
// whoever builds the snapshot is responsible for its freshness.
type Snapshot struct {
	ProjectID             string
	OrgID                 string
	Title                 string
	Description           string
	Notes                 string
	Priority              string
	EstimatedValue        *float64
	CurrentStageID        *string
	EngineeringReviewerID *string
	QAReviewerID          *string
	ProductionReviewerID  *string
	CustomerID            *string
	ContactID             *string
	PONumber              *string
	BOMItemCount          *int
	Tags                  []string
	Metadata              map[string]any
}

// SnapshotOf builds a Snapshot from a stored project. Malformed metadata
// JSON degrades to an empty map rather than failing the validation call.
func SnapshotOf(p domain.Project) Snapshot {
	s := Snapshot{
		ProjectID:             p.ID,
		OrgID:                 p.OrgID,
		Title:                 p.Title,
		Description:           p.Description,
		Notes:                 p.Notes,
		Priority:              p.Priority,
		EstimatedValue:        p.EstimatedValue,
		CurrentStageID:        p.CurrentStageID,
		EngineeringReviewerID: p.EngineeringReviewerID,
		QAReviewerID:          p.QAReviewerID,
		ProductionReviewerID:  p.ProductionReviewerID,
		CustomerID:            p.CustomerID,
		ContactID:             p.ContactID,
		PONumber:              p.PONumber,
		BOMItemCount:          p.BOMItemCount,
		Tags:                  p.Tags,
		Metadata:              map[string]any{},
	}
	if p.MetadataJSON != nil && *p.MetadataJSON != "" {
		_ = json.Unmarshal([]byte(*p.MetadataJSON), &s.Metadata)
	}
	return s
}

func (s Snapshot) metaBool(key string) bool {
	v, ok := s.Metadata[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}
