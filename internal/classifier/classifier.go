package classifier

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/carpo/internal/common"
	"github.com/ternarybob/carpo/internal/models"
)

// FailureContext is the classification output: exactly one kind with a
// confidence in [0,1] and a suggested recovery strategy.
type FailureContext struct {
	Kind       models.FailureKind     `json:"kind"`
	Confidence float64                `json:"confidence"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Recovery   string                 `json:"recovery_strategy"`
}

// Retryable reports whether the classified kind may resolve on retry.
func (f FailureContext) Retryable() bool {
	return models.NewScrapeError(f.Kind, "", models.ErrorContext{}).Retryable()
}

// Classifier maps errors and page content to the closed failure-kind
// set. Construct one per site so the site's no-results signals apply.
type Classifier struct {
	rules        []Rule
	sitePatterns []*regexp.Regexp
	siteRaw      []string
	siteSel      []string
	logger       arbor.ILogger
}

// New builds a classifier over the default ruleset plus the site's
// no-results selectors and text patterns. Invalid site patterns are
// logged and skipped.
func New(validation models.ValidationConfig, logger arbor.ILogger) *Classifier {
	if logger == nil {
		logger = common.GetLogger()
	}

	rules := DefaultRules()
	for i := range rules {
		for _, p := range rules[i].TextPatterns {
			// Built-in patterns are compile-checked by tests.
			rules[i].compiled = append(rules[i].compiled, regexp.MustCompile(`(?i)`+p))
		}
	}

	c := &Classifier{
		rules:   rules,
		siteSel: validation.NoResultsSelectors,
		logger:  logger,
	}
	for _, p := range validation.NoResultsTextPatterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			logger.Warn().Err(err).Str("pattern", p).Msg("Skipping invalid no-results pattern")
			continue
		}
		c.sitePatterns = append(c.sitePatterns, re)
		c.siteRaw = append(c.siteRaw, p)
	}
	return c
}

// ClassifyError classifies a failure from an error and its context.
// Every non-nil error maps to exactly one kind.
func (c *Classifier) ClassifyError(err error, errCtx models.ErrorContext) FailureContext {
	// Already-classified errors keep their kind.
	if se, ok := models.AsScrapeError(err); ok && se.Kind != "" {
		return FailureContext{
			Kind:       se.Kind,
			Confidence: 1.0,
			Details:    map[string]interface{}{"pre_classified": true},
			Recovery:   RecoveryStrategyFor(se.Kind),
		}
	}

	msg := strings.ToLower(err.Error())

	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline exceeded") {
		return FailureContext{
			Kind:       models.FailureTimeout,
			Confidence: 0.9,
			Details: map[string]interface{}{
				"exception_message":  err.Error(),
				"waited_for_element": errCtx.Action == "wait_for",
			},
			Recovery: "retry_with_backoff",
		}
	}

	if strings.Contains(msg, "element") && (strings.Contains(msg, "not found") || strings.Contains(msg, "unable to find") || strings.Contains(msg, "no nodes")) {
		return FailureContext{
			Kind:       models.FailureElement,
			Confidence: 0.8,
			Details:    map[string]interface{}{"exception_message": err.Error()},
			Recovery:   "retry_with_wait",
		}
	}

	for _, term := range []string{"connection", "network", "econn", "target closed", "net::"} {
		if strings.Contains(msg, term) {
			return FailureContext{
				Kind:       models.FailureNetwork,
				Confidence: 0.8,
				Details:    map[string]interface{}{"exception_message": err.Error()},
				Recovery:   "retry",
			}
		}
	}

	// Fallback: message pattern matching in rule declaration order.
	for _, rule := range c.rules {
		if rule.Kind == models.FailureElement || rule.Kind == models.FailureNetwork {
			continue // handled above
		}
		for _, re := range rule.compiled {
			if re.MatchString(msg) {
				return FailureContext{
					Kind:       rule.Kind,
					Confidence: 0.7,
					Details: map[string]interface{}{
						"exception_message": err.Error(),
						"matched_pattern":   re.String(),
					},
					Recovery: rule.Recovery,
				}
			}
		}
	}

	// Retryable safe default for anything unrecognized.
	return FailureContext{
		Kind:       models.FailureNetwork,
		Confidence: 0.3,
		Details: map[string]interface{}{
			"exception_message": err.Error(),
			"unknown_exception": true,
		},
		Recovery: "retry",
	}
}

type candidate struct {
	ctx    FailureContext
	source int // 3 = selector, 2 = text, 1 = status
	order  int
}

// ClassifyPageContent classifies from a rendered page: configured and
// built-in selectors first, then text patterns, then the HTTP status.
// A zero status means the status was not observed.
func (c *Classifier) ClassifyPageContent(html string, statusCode int, errCtx models.ErrorContext) (FailureContext, bool) {
	var doc *goquery.Document
	if html != "" {
		parsed, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			c.logger.Warn().Err(err).Str("site", errCtx.Site).Msg("Failed to parse page content for classification")
		} else {
			doc = parsed
		}
	}

	var candidates []candidate
	order := 0

	// Site-specific no-results selectors trump everything.
	if doc != nil {
		for _, sel := range c.siteSel {
			if matchesSelector(doc, sel) {
				candidates = append(candidates, candidate{
					ctx: FailureContext{
						Kind:       models.FailureNoResults,
						Confidence: 0.9,
						Details:    map[string]interface{}{"matched_selector": sel, "site_specific": true},
						Recovery:   "fail_and_continue_to_next_sku",
					},
					source: 3,
					order:  order,
				})
			}
			order++
		}
		for _, rule := range c.rules {
			for _, sel := range rule.Selectors {
				if matchesSelector(doc, sel) {
					candidates = append(candidates, candidate{
						ctx: FailureContext{
							Kind:       rule.Kind,
							Confidence: 0.85,
							Details:    map[string]interface{}{"matched_selector": sel},
							Recovery:   rule.Recovery,
						},
						source: 3,
						order:  order,
					})
				}
				order++
			}
		}
	}

	lower := strings.ToLower(html)
	for i, re := range c.sitePatterns {
		if re.MatchString(lower) {
			candidates = append(candidates, candidate{
				ctx: FailureContext{
					Kind:       models.FailureNoResults,
					Confidence: 0.7,
					Details:    map[string]interface{}{"matched_pattern": c.siteRaw[i], "site_specific": true},
					Recovery:   "fail_and_continue_to_next_sku",
				},
				source: 2,
				order:  order,
			})
		}
		order++
	}
	if lower != "" {
		for _, rule := range c.rules {
			for _, re := range rule.compiled {
				if re.MatchString(lower) {
					candidates = append(candidates, candidate{
						ctx: FailureContext{
							Kind:       rule.Kind,
							Confidence: 0.7,
							Details:    map[string]interface{}{"matched_pattern": re.String()},
							Recovery:   rule.Recovery,
						},
						source: 2,
						order:  order,
					})
				}
				order++
			}
		}
	}

	if statusCode > 0 {
		for _, sm := range statusKinds {
			for _, code := range sm.Codes {
				if statusCode == code {
					candidates = append(candidates, candidate{
						ctx: FailureContext{
							Kind:       sm.Kind,
							Confidence: 0.95,
							Details:    map[string]interface{}{"status_code": statusCode},
							Recovery:   RecoveryStrategyFor(sm.Kind),
						},
						source: 1,
						order:  order,
					})
				}
				order++
			}
		}
	}

	if len(candidates) == 0 {
		return FailureContext{}, false
	}

	best := candidates[0]
	for _, cand := range candidates[1:] {
		if cand.source != best.source {
			if cand.source > best.source {
				best = cand
			}
			continue
		}
		if cand.ctx.Confidence > best.ctx.Confidence {
			best = cand
			continue
		}
		// Equal source and confidence keeps declaration order.
	}
	return best.ctx, true
}

// CheckNoResults reports whether the page shows the site's (or the
// built-in) no-results signals.
func (c *Classifier) CheckNoResults(html string) bool {
	fc, found := c.ClassifyPageContent(html, 0, models.ErrorContext{})
	return found && fc.Kind == models.FailureNoResults
}

func matchesSelector(doc *goquery.Document, selector string) bool {
	defer func() {
		// cascadia panics on some malformed selectors from config
		_ = recover()
	}()
	return doc.Find(selector).Length() > 0
}

// ToError converts a classification into a typed ScrapeError.
func (f FailureContext) ToError(message string, errCtx models.ErrorContext) *models.ScrapeError {
	if message == "" {
		message = fmt.Sprintf("classified failure: %s", f.Kind)
	}
	return models.NewScrapeError(f.Kind, message, errCtx)
}
