package config

import (
	"strings"
	"testing"
)

func TestDefaultTemplateParsesAndValidates(t *testing.T) {
	cfg := Default("acme")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Org.ID != "acme" {
		t.Fatalf("org id = %s", cfg.Org.ID)
	}
	if len(cfg.Stages.Catalog) != 7 {
		t.Fatalf("expected 7 stages, got %d", len(cfg.Stages.Catalog))
	}
	if len(cfg.Transitions.BypassRoles) == 0 {
		t.Fatalf("expected bypass roles")
	}
}

func TestValidateRejectsDuplicateOrders(t *testing.T) {
	cfg := Default("acme")
	cfg.Stages.Catalog[1].Order = cfg.Stages.Catalog[0].Order
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "share order") {
		t.Fatalf("expected duplicate order rejection, got %v", err)
	}
}

func TestValidateRejectsUnknownCheck(t *testing.T) {
	cfg := Default("acme")
	cfg.Transitions.Rules[0].Check = "vibes_good"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown check") {
		t.Fatalf("expected unknown check rejection, got %v", err)
	}
}

func TestValidateRejectsRuleWithoutStages(t *testing.T) {
	cfg := Default("acme")
	cfg.Transitions.Rules = append(cfg.Transitions.Rules, TransitionRule{
		Check: "customer_linked", Description: "floating rule",
	})
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "from or to") {
		t.Fatalf("expected anchorless rule rejection, got %v", err)
	}
}

func TestValidateRejectsRuleAgainstUnknownStage(t *testing.T) {
	cfg := Default("acme")
	cfg.Transitions.Rules[0].From = "Warp Drive"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown stage") {
		t.Fatalf("expected unknown stage rejection, got %v", err)
	}
}

func TestRulesForMatchesDirectionally(t *testing.T) {
	cfg := Default("acme")
	leaving := cfg.RulesFor("Inquiry", "Engineering Review")
	if len(leaving) != 2 {
		t.Fatalf("expected 2 Inquiry rules, got %d", len(leaving))
	}
	for _, r := range leaving {
		if r.From != "Inquiry" {
			t.Fatalf("stray rule %+v", r)
		}
	}
	entering := cfg.RulesFor("Quote Sent", "Order Confirmed")
	if len(entering) != 1 || entering[0].Check != "po_received" {
		t.Fatalf("expected the po_received entry rule, got %+v", entering)
	}
	if got := cfg.RulesFor("Shipped", "Inquiry"); len(got) != 0 {
		t.Fatalf("expected no rules for backward pair, got %+v", got)
	}
}

func TestExitCriteriaFor(t *testing.T) {
	cfg := Default("acme")
	crit := cfg.ExitCriteriaFor("Quote Sent")
	if len(crit) != 1 || crit[0] != "Customer PO received" {
		t.Fatalf("unexpected criteria %+v", crit)
	}
	if cfg.ExitCriteriaFor("Shipped") != nil {
		t.Fatalf("Shipped declares no criteria")
	}
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	if _, err := FromYAML([]byte("org: [")); err == nil {
		t.Fatalf("expected yaml error")
	}
	if _, err := FromYAML([]byte("org:\n  id: \"\"\n")); err == nil {
		t.Fatalf("expected validation error for missing org id")
	}
}
