package models

import "time"

// SelectorConfig is a named locator within a scraper definition.
// Lookup is by ID first, then Name.
type SelectorConfig struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	Selector  string `json:"selector" yaml:"selector" validate:"required"`
	Attribute string `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	Multiple  bool   `json:"multiple,omitempty" yaml:"multiple,omitempty"`
	Required  bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// WorkflowStep is one named action plus its opaque parameter map.
// Parameters may contain {sku}-style placeholders resolved per task.
type WorkflowStep struct {
	Action string                 `json:"action" yaml:"action" validate:"required"`
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// ValidationConfig holds the site-specific "no results" signals.
type ValidationConfig struct {
	NoResultsSelectors    []string `json:"no_results_selectors,omitempty" yaml:"no_results_selectors,omitempty"`
	NoResultsTextPatterns []string `json:"no_results_text_patterns,omitempty" yaml:"no_results_text_patterns,omitempty"`
}

// LoginConfig describes how to authenticate against a site.
type LoginConfig struct {
	URL              string `json:"url" yaml:"url" validate:"required"`
	UsernameField    string `json:"username_field" yaml:"username_field" validate:"required"`
	PasswordField    string `json:"password_field" yaml:"password_field" validate:"required"`
	SubmitButton     string `json:"submit_button" yaml:"submit_button" validate:"required"`
	SuccessIndicator string `json:"success_indicator" yaml:"success_indicator" validate:"required"`
	TimeoutSeconds   int    `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// NormalizationRule is a declarative post-pass transform applied to a
// named result field after the workflow completes.
type NormalizationRule struct {
	Field  string `json:"field" yaml:"field" validate:"required"`
	Type   string `json:"type" yaml:"type" validate:"required,oneof=lowercase uppercase title_case trim remove_prefix extract_weight"`
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// ScraperDefinition is a site's declarative scraping configuration,
// loaded from YAML files and stored in the scraper store keyed by name.
type ScraperDefinition struct {
	Name           string              `json:"name" yaml:"name" badgerhold:"key" validate:"required"`
	RequiresAuth   bool                `json:"requires_auth" yaml:"requires_auth"`
	URLTemplate    string              `json:"url_template" yaml:"url_template"`
	MaxWorkers     int                 `json:"max_workers,omitempty" yaml:"max_workers,omitempty" validate:"omitempty,min=1"`
	TimeoutSeconds int                 `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"omitempty,min=1"`
	Disabled       bool                `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Selectors      []SelectorConfig    `json:"selectors,omitempty" yaml:"selectors,omitempty" validate:"dive"`
	Workflow       []WorkflowStep      `json:"workflow,omitempty" yaml:"workflow,omitempty" validate:"dive"`
	Validation     ValidationConfig    `json:"validation,omitempty" yaml:"validation,omitempty"`
	Login          *LoginConfig        `json:"login,omitempty" yaml:"login,omitempty"`
	Normalization  []NormalizationRule `json:"normalization,omitempty" yaml:"normalization,omitempty" validate:"dive"`
	TestSKUs       []string            `json:"test_skus,omitempty" yaml:"test_skus,omitempty"`
	FakeSKUs       []string            `json:"fake_skus,omitempty" yaml:"fake_skus,omitempty"`

	// Written back by test-mode runs.
	LastTestResult *SiteTestResult `json:"last_test_result,omitempty" yaml:"-"`
	Status         HealthStatus    `json:"status,omitempty" yaml:"-"`
	UpdatedAt      time.Time       `json:"updated_at,omitzero" yaml:"-"`
}

// FindSelector looks a selector up by ID first, then by Name.
func (s *ScraperDefinition) FindSelector(key string) (SelectorConfig, bool) {
	for _, sel := range s.Selectors {
		if sel.ID == key {
			return sel, true
		}
	}
	for _, sel := range s.Selectors {
		if sel.Name == key {
			return sel, true
		}
	}
	return SelectorConfig{}, false
}

// EffectiveMaxWorkers applies the per-site concurrency invariant:
// authenticated sites are serialized, others are capped by the global
// worker budget.
func (s *ScraperDefinition) EffectiveMaxWorkers(globalMax int) int {
	if s.RequiresAuth {
		return 1
	}
	max := s.MaxWorkers
	if max <= 0 || max > globalMax {
		max = globalMax
	}
	if max < 1 {
		max = 1
	}
	return max
}

// Timeout returns the configured per-site timeout with a 30s default.
func (s *ScraperDefinition) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}
