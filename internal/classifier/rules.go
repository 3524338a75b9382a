package classifier

import (
	"regexp"

	"github.com/ternarybob/carpo/internal/models"
)

// Rule is one declarative classification entry. Rules are evaluated in
// declaration order; the selector and text patterns are compiled once
// at classifier construction.
type Rule struct {
	Kind         models.FailureKind
	Selectors    []string
	TextPatterns []string
	Recovery     string

	compiled []*regexp.Regexp
}

// DefaultRules returns the built-in ordered ruleset. Site-specific
// no-results signals from scraper config are layered on top.
func DefaultRules() []Rule {
	return []Rule{
		{
			Kind: models.FailureNoResults,
			Selectors: []string{
				"[class*='no-results']",
				"[id*='no-results']",
				"[class*='empty']",
				"[id*='empty']",
				".no-products",
				"#no-products",
				".product-not-found",
				"div.message-error",
			},
			TextPatterns: []string{
				`no (results?|products?|items?) found`,
				`your search.*returned no results`,
				`no matching products`,
				`product not found`,
				`item not available`,
				`page you requested cannot be found`,
			},
			Recovery: "fail_and_continue_to_next_sku",
		},
		{
			Kind: models.FailureLoginFailed,
			Selectors: []string{
				"[class*='login-error']",
				"[id*='login-error']",
				"[class*='auth-error']",
				"[id*='auth-error']",
				".login-failed",
				"#login-failed",
			},
			TextPatterns: []string{
				`(login|authentication).*(failed|error|invalid)`,
				`incorrect.*(username|password|credentials)`,
				`unauthorized`,
			},
			Recovery: "relogin",
		},
		{
			Kind: models.FailureCaptcha,
			Selectors: []string{
				"[class*='captcha']",
				"[id*='captcha']",
				"[class*='recaptcha']",
				"[id*='recaptcha']",
				".g-recaptcha",
				"#captcha-container",
			},
			TextPatterns: []string{
				`captcha`,
				`verify.*human`,
				`robot.*verification`,
				`security.*check`,
			},
			Recovery: "solve_captcha",
		},
		{
			Kind: models.FailureRateLimited,
			Selectors: []string{
				"[class*='rate-limit']",
				"[id*='rate-limit']",
				"[class*='throttle']",
				"[id*='throttle']",
			},
			TextPatterns: []string{
				`rate limit`,
				`too many requests`,
				`throttl`,
				`temporary.*block`,
			},
			Recovery: "wait_and_retry",
		},
		{
			Kind: models.FailurePageNotFound,
			Selectors: []string{
				"[class*='404']",
				"[id*='404']",
				"[class*='not-found']",
				"[id*='not-found']",
			},
			TextPatterns: []string{
				`404`,
				`page not found`,
				`doesn't exist`,
			},
			Recovery: "skip_and_continue",
		},
		{
			Kind: models.FailureAccessDenied,
			Selectors: []string{
				"[class*='access-denied']",
				"[id*='access-denied']",
				"[class*='forbidden']",
				"[id*='forbidden']",
				"[class*='blocked']",
				"[id*='blocked']",
			},
			TextPatterns: []string{
				`access denied`,
				`forbidden`,
				`blocked`,
				`banned`,
				`403`,
			},
			Recovery: "rotate_session",
		},
		{
			Kind: models.FailureNetwork,
			TextPatterns: []string{
				`connection.*(failed|error|timeout|reset)`,
				`network.*error`,
				`server.*error`,
				`err_connection_refused`,
				`dns_probe_finished_nxdomain`,
			},
			Recovery: "retry",
		},
		{
			Kind:     models.FailureElement,
			Recovery: "retry_with_wait",
		},
		{
			Kind: models.FailureTimeout,
			TextPatterns: []string{
				`timeout`,
				`timed out`,
				`waiting.*failed`,
				`element.*not.*visible`,
			},
			Recovery: "retry_with_backoff",
		},
	}
}

// statusKinds maps HTTP status codes to failure kinds with very high
// confidence.
var statusKinds = []struct {
	Codes []int
	Kind  models.FailureKind
}{
	{Codes: []int{404}, Kind: models.FailurePageNotFound},
	{Codes: []int{403, 401}, Kind: models.FailureAccessDenied},
	{Codes: []int{429}, Kind: models.FailureRateLimited},
	{Codes: []int{500, 502, 503, 504}, Kind: models.FailureNetwork},
}

// RecoveryStrategyFor returns the registered recovery strategy for a
// kind, defaulting to plain retry.
func RecoveryStrategyFor(kind models.FailureKind) string {
	for _, r := range DefaultRules() {
		if r.Kind == kind {
			return r.Recovery
		}
	}
	return "retry"
}
