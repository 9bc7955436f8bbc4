package engine

import (
	"fmt"

	"factorypulse/internal/config"
	"factorypulse/internal/domain"
)

type CheckStatus string

const (
	CheckPassed  CheckStatus = "passed"
	CheckFailed  CheckStatus = "failed"
	CheckWarning CheckStatus = "warning"
)

// Check is one evaluated rule. Computed fresh on every validation, never
// stored.
type Check struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Status      CheckStatus `json:"status"`
}

// Result aggregates the checks for one transition attempt. Checks keep the
// order their rules are declared in, not status order.
type Result struct {
	Checks         []Check  `json:"checks"`
	RequiredPassed bool     `json:"required_passed"`
	ExitCriteria   []string `json:"exit_criteria,omitempty"`
}

// Heuristic checks gauge progress, not completion: a non-empty description
// is not proof the work is done. They surface as warnings when unmet and
// are never treated as hard gates even if a rule marks them required.
var heuristicCheck = map[string]bool{
	"description_present": true,
	"notes_present":       true,
	"estimated_value_set": true,
}

var predicates = map[string]func(Snapshot) bool{
	"engineering_reviewer_assigned": func(s Snapshot) bool { return s.EngineeringReviewerID != nil && *s.EngineeringReviewerID != "" },
	"qa_reviewer_assigned":          func(s Snapshot) bool { return s.QAReviewerID != nil && *s.QAReviewerID != "" },
	"production_reviewer_assigned":  func(s Snapshot) bool { return s.ProductionReviewerID != nil && *s.ProductionReviewerID != "" },
	"customer_linked":               func(s Snapshot) bool { return s.CustomerID != nil && *s.CustomerID != "" },
	"contact_linked":                func(s Snapshot) bool { return s.ContactID != nil && *s.ContactID != "" },
	"description_present":           func(s Snapshot) bool { return s.Description != "" },
	"notes_present":                 func(s Snapshot) bool { return s.Notes != "" },
	"estimated_value_set":           func(s Snapshot) bool { return s.EstimatedValue != nil && *s.EstimatedValue > 0 },
	"po_received": func(s Snapshot) bool {
		return (s.PONumber != nil && *s.PONumber != "") || s.metaBool("po_received")
	},
	"bom_present": func(s Snapshot) bool {
		return (s.BOMItemCount != nil && *s.BOMItemCount > 0) || s.metaBool("bom_present")
	},
}

// Checker evaluates transition rules over a project snapshot. Pure apart
// from reading the rule set out of config.
type Checker struct {
	Config *config.Config
}

// Evaluate runs every rule declared for the (current, target) stage pair.
// current is nil for a project that has not entered the workflow yet. A
// pair with zero rules trivially passes.
func (c Checker) Evaluate(snap Snapshot, target domain.WorkflowStage, current *domain.WorkflowStage) Result {
	fromName := ""
	var criteria []string
	if current != nil {
		fromName = current.Name
		criteria = c.Config.ExitCriteriaFor(current.Name)
	}
	res := Result{RequiredPassed: true, ExitCriteria: criteria}
	for _, rule := range c.Config.RulesFor(fromName, target.Name) {
		pred, ok := predicates[rule.Check]
		if !ok {
			res.Checks = append(res.Checks, Check{
				Name:        rule.Check,
				Description: fmt.Sprintf("unknown check %q", rule.Check),
				Required:    true,
				Status:      CheckFailed,
			})
			res.RequiredPassed = false
			continue
		}
		check := Check{Name: rule.Check, Description: rule.Description, Required: rule.Required}
		switch {
		case pred(snap):
			check.Status = CheckPassed
		case heuristicCheck[rule.Check]:
			check.Status = CheckWarning
			check.Required = false
		default:
			check.Status = CheckFailed
		}
		if check.Required && check.Status != CheckPassed {
			res.RequiredPassed = false
		}
		res.Checks = append(res.Checks, check)
	}
	if current != nil && target.Order != current.Order+1 {
		res.Checks = append(res.Checks, sequenceWarning(current, target))
	}
	return res
}

// Skips and backward moves are structurally valid but flagged so callers
// can warn before an out-of-order move.
func sequenceWarning(current *domain.WorkflowStage, target domain.WorkflowStage) Check {
	desc := fmt.Sprintf("moving from %q (order %d) to %q (order %d) skips the usual sequence",
		current.Name, current.Order, target.Name, target.Order)
	if target.Order < current.Order {
		desc = fmt.Sprintf("moving from %q (order %d) back to %q (order %d)",
			current.Name, current.Order, target.Name, target.Order)
	}
	return Check{Name: "stage_sequence", Description: desc, Required: false, Status: CheckWarning}
}
