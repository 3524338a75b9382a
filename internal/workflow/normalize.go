package workflow

import (
	"strings"

	"github.com/ternarybob/carpo/internal/collector"
	"github.com/ternarybob/carpo/internal/models"
)

// applyNormalization runs the definition's declarative post-pass over
// the extracted results. Rules touching absent or non-string fields
// are skipped, not errors: a site may legitimately omit a field for
// some products.
func applyNormalization(rules []models.NormalizationRule, results map[string]interface{}) {
	for _, rule := range rules {
		raw, ok := results[rule.Field]
		if !ok {
			continue
		}
		value, ok := raw.(string)
		if !ok {
			continue
		}

		switch rule.Type {
		case "lowercase":
			value = strings.ToLower(value)
		case "uppercase":
			value = strings.ToUpper(value)
		case "title_case":
			value = titleCase(value)
		case "trim":
			value = strings.TrimSpace(value)
		case "remove_prefix":
			value = strings.TrimSpace(strings.TrimPrefix(value, rule.Prefix))
		case "extract_weight":
			value = collector.NormalizeWeight(value)
		default:
			continue
		}
		results[rule.Field] = value
	}
}
