package engine

import (
	"testing"

	"factorypulse/internal/config"
	"factorypulse/internal/domain"
)

func rulesConfig(rules ...config.TransitionRule) *config.Config {
	cfg := &config.Config{}
	cfg.Transitions.Rules = rules
	return cfg
}

func stage(name string, order int) domain.WorkflowStage {
	return domain.WorkflowStage{ID: name + "-id", Name: name, Order: order}
}

func TestEvaluateZeroRulesPasses(t *testing.T) {
	res := Checker{Config: rulesConfig()}.Evaluate(Snapshot{}, stage("Quoting", 3), nil)
	if !res.RequiredPassed {
		t.Fatalf("expected trivial pass")
	}
	if len(res.Checks) != 0 {
		t.Fatalf("expected no checks, got %d", len(res.Checks))
	}
}

func TestEvaluateRequiredGate(t *testing.T) {
	cfg := rulesConfig(config.TransitionRule{
		From: "Inquiry", Check: "customer_linked", Required: true, Description: "Customer on record",
	})
	cur := stage("Inquiry", 1)
	res := Checker{Config: cfg}.Evaluate(Snapshot{}, stage("Engineering Review", 2), &cur)
	if res.RequiredPassed {
		t.Fatalf("expected gate to fail")
	}
	if res.Checks[0].Status != CheckFailed || !res.Checks[0].Required {
		t.Fatalf("unexpected check: %+v", res.Checks[0])
	}

	id := "cust-1"
	res = Checker{Config: cfg}.Evaluate(Snapshot{CustomerID: &id}, stage("Engineering Review", 2), &cur)
	if !res.RequiredPassed || res.Checks[0].Status != CheckPassed {
		t.Fatalf("expected pass with customer linked: %+v", res.Checks[0])
	}
}

func TestEvaluateHeuristicNeverBlocks(t *testing.T) {
	// even a rule that claims required gets demoted to a warning
	cfg := rulesConfig(config.TransitionRule{
		From: "Inquiry", Check: "description_present", Required: true, Description: "Scope captured",
	})
	cur := stage("Inquiry", 1)
	res := Checker{Config: cfg}.Evaluate(Snapshot{}, stage("Engineering Review", 2), &cur)
	if !res.RequiredPassed {
		t.Fatalf("heuristic check blocked the move")
	}
	c := res.Checks[0]
	if c.Status != CheckWarning || c.Required {
		t.Fatalf("expected demoted warning, got %+v", c)
	}
}

func TestEvaluateUnknownCheckFailsClosed(t *testing.T) {
	cfg := rulesConfig(config.TransitionRule{
		From: "Inquiry", Check: "phase_of_moon", Description: "???",
	})
	cur := stage("Inquiry", 1)
	res := Checker{Config: cfg}.Evaluate(Snapshot{}, stage("Engineering Review", 2), &cur)
	if res.RequiredPassed {
		t.Fatalf("unknown check must fail closed")
	}
	if res.Checks[0].Status != CheckFailed || !res.Checks[0].Required {
		t.Fatalf("unexpected check: %+v", res.Checks[0])
	}
}

func TestEvaluateKeepsDeclarationOrder(t *testing.T) {
	cfg := rulesConfig(
		config.TransitionRule{From: "Quoting", Check: "qa_reviewer_assigned", Required: true, Description: "QA sign-off"},
		config.TransitionRule{From: "Quoting", Check: "estimated_value_set", Description: "Estimate drafted"},
		config.TransitionRule{From: "Quoting", Check: "customer_linked", Required: true, Description: "Customer on record"},
	)
	cur := stage("Quoting", 3)
	res := Checker{Config: cfg}.Evaluate(Snapshot{}, stage("Quote Sent", 4), &cur)
	want := []string{"qa_reviewer_assigned", "estimated_value_set", "customer_linked"}
	if len(res.Checks) != len(want) {
		t.Fatalf("got %d checks", len(res.Checks))
	}
	for i, name := range want {
		if res.Checks[i].Name != name {
			t.Fatalf("check %d = %s, want %s", i, res.Checks[i].Name, name)
		}
	}
}

func TestEvaluateEntryRulesMatchAnyFrom(t *testing.T) {
	cfg := rulesConfig(config.TransitionRule{
		To: "Production", Check: "bom_present", Required: true, Description: "BOM on file",
	})
	// applies when entering Production from anywhere, including from outside
	res := Checker{Config: cfg}.Evaluate(Snapshot{}, stage("Production", 6), nil)
	if res.RequiredPassed {
		t.Fatalf("expected entry rule to apply with nil current stage")
	}
	n := 3
	res = Checker{Config: cfg}.Evaluate(Snapshot{BOMItemCount: &n}, stage("Production", 6), nil)
	if !res.RequiredPassed {
		t.Fatalf("expected pass with BOM items")
	}
}

func TestEvaluateSequenceWarnings(t *testing.T) {
	cur := stage("Inquiry", 1)
	res := Checker{Config: rulesConfig()}.Evaluate(Snapshot{}, stage("Quoting", 3), &cur)
	if !res.RequiredPassed {
		t.Fatalf("sequence warning must not block")
	}
	if len(res.Checks) != 1 || res.Checks[0].Name != "stage_sequence" || res.Checks[0].Status != CheckWarning {
		t.Fatalf("expected skip warning, got %+v", res.Checks)
	}

	back := stage("Quoting", 3)
	res = Checker{Config: rulesConfig()}.Evaluate(Snapshot{}, stage("Inquiry", 1), &back)
	if len(res.Checks) != 1 || res.Checks[0].Name != "stage_sequence" {
		t.Fatalf("expected backward warning, got %+v", res.Checks)
	}
}

func TestEvaluateExitCriteriaSurface(t *testing.T) {
	cfg := rulesConfig()
	cfg.Stages.Catalog = []config.StageSpec{{
		Name: "Quote Sent", Order: 4, ExitCriteria: []string{"Customer PO received"},
	}}
	cur := stage("Quote Sent", 4)
	res := Checker{Config: cfg}.Evaluate(Snapshot{}, stage("Order Confirmed", 5), &cur)
	if len(res.ExitCriteria) != 1 || res.ExitCriteria[0] != "Customer PO received" {
		t.Fatalf("exit criteria not surfaced: %+v", res.ExitCriteria)
	}
}

func TestSnapshotMetadataFlags(t *testing.T) {
	meta := `{"po_received": true}`
	p := domain.Project{ID: "p1", MetadataJSON: &meta}
	snap := SnapshotOf(p)
	if !predicates["po_received"](snap) {
		t.Fatalf("metadata flag not honored")
	}
	bad := `{not json`
	p.MetadataJSON = &bad
	snap = SnapshotOf(p)
	if predicates["po_received"](snap) {
		t.Fatalf("malformed metadata should degrade to empty")
	}
}
