package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models factorypulse.yml.
type Config struct {
	Org struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"org"`
	Stages struct {
		Catalog []StageSpec `yaml:"catalog"`
	} `yaml:"stages"`
	Transitions struct {
		BypassRoles []string         `yaml:"bypass_roles"`
		Rules       []TransitionRule `yaml:"rules"`
	} `yaml:"transitions"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// StageSpec seeds one workflow stage at org bootstrap.
type StageSpec struct {
	Name              string   `yaml:"name"`
	Description       string   `yaml:"description"`
	Order             int      `yaml:"order"`
	EstimatedDays     int      `yaml:"estimated_days"`
	Color             string   `yaml:"color"`
	RequiredSubStages int      `yaml:"required_sub_stages"`
	ExitCriteria      []string `yaml:"exit_criteria"`
}

// TransitionRule binds a named prerequisite check to a stage pair. From and
// To are stage names; an empty From or To matches any stage. Rules are
// evaluated in declaration order.
type TransitionRule struct {
	From        string `yaml:"from"`
	To          string `yaml:"to"`
	Check       string `yaml:"check"`
	Required    bool   `yaml:"required"`
	Description string `yaml:"description"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// CheckKinds is the catalog of prerequisite predicates the engine knows how
// to evaluate. Config validation rejects rules referencing anything else.
var CheckKinds = []string{
	"engineering_reviewer_assigned",
	"qa_reviewer_assigned",
	"production_reviewer_assigned",
	"customer_linked",
	"contact_linked",
	"description_present",
	"notes_present",
	"estimated_value_set",
	"po_received",
	"bom_present",
}

func knownCheck(kind string) bool {
	for _, k := range CheckKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with fp org config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Org.ID == "" {
		return fmt.Errorf("config.org.id is required")
	}
	if len(c.Stages.Catalog) == 0 {
		return fmt.Errorf("config.stages.catalog must declare at least one stage")
	}
	names := map[string]bool{}
	orders := map[int]string{}
	for _, s := range c.Stages.Catalog {
		if s.Name == "" {
			return fmt.Errorf("config.stages.catalog contains a stage without a name")
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate stage name %s", s.Name)
		}
		names[s.Name] = true
		if s.Order <= 0 {
			return fmt.Errorf("stage %s must have a positive order", s.Name)
		}
		if prev, taken := orders[s.Order]; taken {
			return fmt.Errorf("stages %s and %s share order %d", prev, s.Name, s.Order)
		}
		orders[s.Order] = s.Name
	}
	for i, r := range c.Transitions.Rules {
		if r.Check == "" {
			return fmt.Errorf("transitions.rules[%d] has no check", i)
		}
		if !knownCheck(r.Check) {
			return fmt.Errorf("transitions.rules[%d] references unknown check %s", i, r.Check)
		}
		if r.From == "" && r.To == "" {
			return fmt.Errorf("transitions.rules[%d] must name a from or to stage", i)
		}
		if r.From != "" && !names[r.From] {
			return fmt.Errorf("transitions.rules[%d] references unknown stage %s", i, r.From)
		}
		if r.To != "" && !names[r.To] {
			return fmt.Errorf("transitions.rules[%d] references unknown stage %s", i, r.To)
		}
		if r.Description == "" {
			return fmt.Errorf("transitions.rules[%d] needs a description for display", i)
		}
	}
	for _, role := range c.Transitions.BypassRoles {
		if role == "" {
			return fmt.Errorf("transitions.bypass_roles contains an empty role")
		}
	}
	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("webhooks[%d] has no url", i)
		}
	}
	return nil
}

// RulesFor returns the rules applicable to a (from, to) stage-name pair in
// declaration order.
func (c *Config) RulesFor(from, to string) []TransitionRule {
	var res []TransitionRule
	for _, r := range c.Transitions.Rules {
		if r.From != "" && r.From != from {
			continue
		}
		if r.To != "" && r.To != to {
			continue
		}
		res = append(res, r)
	}
	return res
}

// ExitCriteriaFor returns the descriptive exit-criteria text for a stage
// name, or nil if the stage declares none.
func (c *Config) ExitCriteriaFor(stageName string) []string {
	for _, s := range c.Stages.Catalog {
		if s.Name == stageName {
			return s.ExitCriteria
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "factorypulse.yml")
}

// GenerateDefault returns the default config YAML for an org.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for an org.
func Default(orgID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, orgID))).Decode(&cfg)
	cfg.Org.ID = orgID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `org:
  id: %s
  name: Factory Pulse

stages:
  catalog:
    - name: Inquiry
      order: 1
      description: "New RFQ received, pending triage"
      estimated_days: 2
      color: "#64748b"
      exit_criteria:
        - "Customer identified and on record"
        - "Request scope captured"
    - name: Engineering Review
      order: 2
      description: "Technical feasibility and design review"
      estimated_days: 5
      color: "#0ea5e9"
      required_sub_stages: 1
      exit_criteria:
        - "Engineering review completed"
        - "Manufacturability concerns resolved"
    - name: Quoting
      order: 3
      description: "Cost rollup and quote preparation"
      estimated_days: 3
      color: "#8b5cf6"
      exit_criteria:
        - "Cost estimate drafted"
        - "QA reviewer signed off on tolerances"
    - name: Quote Sent
      order: 4
      description: "Quote delivered, awaiting customer decision"
      estimated_days: 10
      color: "#f59e0b"
      exit_criteria:
        - "Customer PO received"
    - name: Order Confirmed
      order: 5
      description: "PO booked, production planning"
      estimated_days: 4
      color: "#10b981"
      exit_criteria:
        - "BOM data on file"
        - "Production reviewer assigned"
    - name: Production
      order: 6
      description: "On the floor"
      estimated_days: 15
      color: "#ef4444"
      required_sub_stages: 2
      exit_criteria:
        - "All routed operations completed"
    - name: Shipped
      order: 7
      description: "Delivered to customer"
      color: "#6b7280"

transitions:
  bypass_roles: [management, admin]
  rules:
    - from: Inquiry
      check: customer_linked
      required: true
      description: "Customer on record"
    - from: Inquiry
      check: description_present
      required: false
      description: "Request scope captured"
    - from: Engineering Review
      check: engineering_reviewer_assigned
      required: true
      description: "Engineering review completed"
    - from: Engineering Review
      check: notes_present
      required: false
      description: "Review notes recorded"
    - from: Quoting
      check: estimated_value_set
      required: false
      description: "Cost estimate drafted"
    - from: Quoting
      check: qa_reviewer_assigned
      required: true
      description: "QA sign-off on tolerances"
    - to: Order Confirmed
      check: po_received
      required: true
      description: "Customer PO received"
    - to: Production
      check: bom_present
      required: true
      description: "BOM data on file"
    - to: Production
      check: production_reviewer_assigned
      required: true
      description: "Production reviewer assigned"

webhooks: []
`
