package classifier

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/carpo/internal/models"
)

func newClassifier(validation models.ValidationConfig) *Classifier {
	return New(validation, nil)
}

func TestDefaultRulePatternsCompile(t *testing.T) {
	for _, rule := range DefaultRules() {
		for _, p := range rule.TextPatterns {
			_, err := regexp.Compile(`(?i)` + p)
			require.NoError(t, err, "rule %s pattern %q must compile", rule.Kind, p)
		}
	}
}

func TestClassifyErrorByKind(t *testing.T) {
	c := newClassifier(models.ValidationConfig{})

	tests := []struct {
		name       string
		err        error
		wantKind   models.FailureKind
		wantConf   float64
	}{
		{"deadline exceeded", context.DeadlineExceeded, models.FailureTimeout, 0.9},
		{"timeout message", errors.New("operation timed out waiting for page"), models.FailureTimeout, 0.9},
		{"element missing", errors.New("element not found: #price"), models.FailureElement, 0.8},
		{"network", errors.New("net::ERR_CONNECTION_RESET while loading"), models.FailureNetwork, 0.8},
		{"captcha", errors.New("page requires captcha verification"), models.FailureCaptcha, 0.7},
		{"rate limit", errors.New("too many requests, slow down"), models.FailureRateLimited, 0.7},
		{"access denied", errors.New("response was forbidden by origin"), models.FailureAccessDenied, 0.7},
		{"unknown", errors.New("something exotic happened"), models.FailureNetwork, 0.3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := c.ClassifyError(tt.err, models.ErrorContext{})
			assert.Equal(t, tt.wantKind, fc.Kind)
			assert.InDelta(t, tt.wantConf, fc.Confidence, 0.001)
			assert.GreaterOrEqual(t, fc.Confidence, 0.0)
			assert.LessOrEqual(t, fc.Confidence, 1.0)
		})
	}
}

func TestClassifyErrorKeepsPreclassifiedKind(t *testing.T) {
	c := newClassifier(models.ValidationConfig{})

	err := models.NewScrapeError(models.FailureAuth, "bad credentials", models.ErrorContext{Site: "demo"})
	fc := c.ClassifyError(err, models.ErrorContext{})

	assert.Equal(t, models.FailureAuth, fc.Kind)
	assert.Equal(t, 1.0, fc.Confidence)
}

func TestClassifyErrorIsTotal(t *testing.T) {
	c := newClassifier(models.ValidationConfig{})

	// Arbitrary garbage still maps to exactly one kind with confidence in range.
	for i := 0; i < 20; i++ {
		fc := c.ClassifyError(fmt.Errorf("err-%d @#$%%", i), models.ErrorContext{})
		assert.NotEmpty(t, fc.Kind)
		assert.GreaterOrEqual(t, fc.Confidence, 0.0)
		assert.LessOrEqual(t, fc.Confidence, 1.0)
	}
}

func TestClassifyPageContentStatusMapping(t *testing.T) {
	c := newClassifier(models.ValidationConfig{})

	tests := []struct {
		status int
		want   models.FailureKind
	}{
		{404, models.FailurePageNotFound},
		{403, models.FailureAccessDenied},
		{401, models.FailureAccessDenied},
		{429, models.FailureRateLimited},
		{500, models.FailureNetwork},
		{503, models.FailureNetwork},
	}

	for _, tt := range tests {
		fc, found := c.ClassifyPageContent("", tt.status, models.ErrorContext{})
		require.True(t, found, "status %d must classify", tt.status)
		assert.Equal(t, tt.want, fc.Kind)
		assert.InDelta(t, 0.95, fc.Confidence, 0.001)
	}

	_, found := c.ClassifyPageContent("", 200, models.ErrorContext{})
	assert.False(t, found, "healthy page with no signals should not classify")
}

func TestClassifyPageContentSelectorBeatsStatus(t *testing.T) {
	c := newClassifier(models.ValidationConfig{})

	html := `<html><body><div class="g-recaptcha"></div></body></html>`
	fc, found := c.ClassifyPageContent(html, 503, models.ErrorContext{})

	require.True(t, found)
	assert.Equal(t, models.FailureCaptcha, fc.Kind, "selector match outranks the 5xx status")
}

func TestClassifyPageContentSiteSpecificNoResults(t *testing.T) {
	c := newClassifier(models.ValidationConfig{
		NoResultsSelectors:    []string{".search-empty-state"},
		NoResultsTextPatterns: []string{`we couldn't find anything`},
	})

	bySelector, found := c.ClassifyPageContent(`<div class="search-empty-state"></div>`, 0, models.ErrorContext{})
	require.True(t, found)
	assert.Equal(t, models.FailureNoResults, bySelector.Kind)
	assert.InDelta(t, 0.9, bySelector.Confidence, 0.001)

	byText, found := c.ClassifyPageContent(`<p>Sorry, we couldn't find anything for that.</p>`, 0, models.ErrorContext{})
	require.True(t, found)
	assert.Equal(t, models.FailureNoResults, byText.Kind)

	assert.True(t, c.CheckNoResults(`<div class="search-empty-state"></div>`))
	assert.False(t, c.CheckNoResults(`<div class="product-grid"><div class="item"/></div>`))
}

func TestInvalidSitePatternIsSkipped(t *testing.T) {
	c := newClassifier(models.ValidationConfig{
		NoResultsTextPatterns: []string{`([unclosed`},
	})

	// Must not panic and must still classify.
	fc := c.ClassifyError(errors.New("timeout"), models.ErrorContext{})
	assert.Equal(t, models.FailureTimeout, fc.Kind)
}

func TestRecoveryStrategies(t *testing.T) {
	assert.Equal(t, "solve_captcha", RecoveryStrategyFor(models.FailureCaptcha))
	assert.Equal(t, "wait_and_retry", RecoveryStrategyFor(models.FailureRateLimited))
	assert.Equal(t, "rotate_session", RecoveryStrategyFor(models.FailureAccessDenied))
	assert.Equal(t, "retry", RecoveryStrategyFor(models.FailureBrowser))
}
