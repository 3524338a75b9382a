package models

import (
	"errors"
	"fmt"
	"strings"
)

// FailureKind is the closed classification set for scrape failures.
type FailureKind string

const (
	FailureNoResults    FailureKind = "no_results"
	FailureLoginFailed  FailureKind = "login_failed"
	FailureCaptcha      FailureKind = "captcha_detected"
	FailureRateLimited  FailureKind = "rate_limited"
	FailurePageNotFound FailureKind = "page_not_found"
	FailureAccessDenied FailureKind = "access_denied"
	FailureNetwork      FailureKind = "network_error"
	FailureElement      FailureKind = "element_missing"
	FailureTimeout      FailureKind = "timeout"

	// Kinds outside the classifier's output set, used by the wider
	// error taxonomy.
	FailureStaleElement  FailureKind = "stale_element"
	FailurePageLoad      FailureKind = "page_load"
	FailureSession       FailureKind = "session_expired"
	FailureConfiguration FailureKind = "configuration"
	FailureSelector      FailureKind = "selector"
	FailureAuth          FailureKind = "authentication"
	FailureBrowser       FailureKind = "browser_crashed"
	FailureCircuitOpen   FailureKind = "circuit_open"
	FailureMaxRetries    FailureKind = "max_retries_exceeded"
	FailureCancelled     FailureKind = "cancelled"
)

// ErrorSeverity buckets scrape errors for logging and shutdown decisions.
type ErrorSeverity string

const (
	ErrorSeverityLow      ErrorSeverity = "low"
	ErrorSeverityMedium   ErrorSeverity = "medium"
	ErrorSeverityHigh     ErrorSeverity = "high"
	ErrorSeverityCritical ErrorSeverity = "critical"
)

// retryableKinds holds the transient and adversarial kinds that may
// resolve on retry. Everything else short-circuits the retry loop.
var retryableKinds = map[FailureKind]bool{
	FailureNetwork:      true,
	FailureTimeout:      true,
	FailureElement:      true,
	FailureStaleElement: true,
	FailurePageLoad:     true,
	FailureRateLimited:  true,
	FailureCaptcha:      true,
	FailureAccessDenied: true,
	FailureSession:      true,
}

// noDataKinds are terminal but not errors at the job level; the SKU
// simply has no data on this site.
var noDataKinds = map[FailureKind]bool{
	FailureNoResults:    true,
	FailurePageNotFound: true,
}

var kindSeverity = map[FailureKind]ErrorSeverity{
	FailureNoResults:     ErrorSeverityLow,
	FailurePageNotFound:  ErrorSeverityLow,
	FailureElement:       ErrorSeverityLow,
	FailureStaleElement:  ErrorSeverityLow,
	FailureNetwork:       ErrorSeverityMedium,
	FailureTimeout:       ErrorSeverityMedium,
	FailurePageLoad:      ErrorSeverityMedium,
	FailureSession:       ErrorSeverityMedium,
	FailureRateLimited:   ErrorSeverityHigh,
	FailureCaptcha:       ErrorSeverityHigh,
	FailureAccessDenied:  ErrorSeverityHigh,
	FailureLoginFailed:   ErrorSeverityHigh,
	FailureSelector:      ErrorSeverityHigh,
	FailureAuth:          ErrorSeverityHigh,
	FailureMaxRetries:    ErrorSeverityHigh,
	FailureCancelled:     ErrorSeverityLow,
	FailureConfiguration: ErrorSeverityCritical,
	FailureBrowser:       ErrorSeverityCritical,
	FailureCircuitOpen:   ErrorSeverityCritical,
}

// ErrorContext carries the scrape location where an error occurred.
type ErrorContext struct {
	Site       string `json:"site_name,omitempty"`
	Action     string `json:"action,omitempty"`
	StepIndex  int    `json:"step_index,omitempty"`
	Selector   string `json:"selector,omitempty"`
	URL        string `json:"url,omitempty"`
	SKU        string `json:"sku,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

// ScrapeError is the single error type flowing through the engine.
// Kind drives retryability, severity and recovery strategy.
type ScrapeError struct {
	Kind    FailureKind
	Message string
	Context ErrorContext
	Err     error
}

func (e *ScrapeError) Error() string {
	parts := []string{e.Message}
	if e.Context.Site != "" {
		parts = append(parts, "site="+e.Context.Site)
	}
	if e.Context.Action != "" {
		parts = append(parts, "action="+e.Context.Action)
	}
	if e.Context.SKU != "" {
		parts = append(parts, "sku="+e.Context.SKU)
	}
	if e.Context.RetryCount > 0 {
		parts = append(parts, fmt.Sprintf("retry=%d/%d", e.Context.RetryCount, e.Context.MaxRetries))
	}
	return strings.Join(parts, " | ")
}

func (e *ScrapeError) Unwrap() error { return e.Err }

// Retryable reports whether the retry executor may attempt again.
func (e *ScrapeError) Retryable() bool { return retryableKinds[e.Kind] }

// NoData reports whether this failure means "product absent", which is
// terminal but not an error at the job level.
func (e *ScrapeError) NoData() bool { return noDataKinds[e.Kind] }

// Severity returns the severity bucket for the error's kind.
func (e *ScrapeError) Severity() ErrorSeverity {
	if s, ok := kindSeverity[e.Kind]; ok {
		return s
	}
	return ErrorSeverityMedium
}

// NewScrapeError builds a ScrapeError of the given kind.
func NewScrapeError(kind FailureKind, message string, ctx ErrorContext) *ScrapeError {
	return &ScrapeError{Kind: kind, Message: message, Context: ctx}
}

// WrapScrapeError builds a ScrapeError wrapping a cause.
func WrapScrapeError(kind FailureKind, message string, ctx ErrorContext, cause error) *ScrapeError {
	return &ScrapeError{Kind: kind, Message: message, Context: ctx, Err: cause}
}

// AsScrapeError extracts a *ScrapeError from an error chain.
func AsScrapeError(err error) (*ScrapeError, bool) {
	var se *ScrapeError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsRetryable reports whether err should trigger a retry. Errors that
// are not ScrapeErrors are treated as retryable transients.
func IsRetryable(err error) bool {
	if se, ok := AsScrapeError(err); ok {
		return se.Retryable()
	}
	return err != nil
}

// KindOf returns the failure kind of err, or FailureNetwork for
// unclassified errors.
func KindOf(err error) FailureKind {
	if se, ok := AsScrapeError(err); ok {
		return se.Kind
	}
	return FailureNetwork
}
