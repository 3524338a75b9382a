package workflow

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/carpo/internal/models"
)

// noResultsRecheckDelay guards against transient loading states being
// read as "no results": the signal must persist across a re-check.
const noResultsRecheckDelay = 2 * time.Second

// actionCheckNoResults consults the site's no-results selectors and
// text patterns. A persistent match sets no_results_found and stops
// the workflow via the NoData path; a page without the signal is a
// no-op.
func actionCheckNoResults(ctx context.Context, e *Executor, wfCtx *Context, params map[string]interface{}) error {
	html, err := e.page.OuterHTML(ctx)
	if err != nil {
		return models.WrapScrapeError(models.FailurePageLoad, "failed to read page: "+err.Error(),
			models.ErrorContext{Site: wfCtx.Site, Action: "check_no_results", SKU: wfCtx.SKU}, err)
	}
	if !e.classify.CheckNoResults(html) {
		return nil
	}

	// Re-check after a short delay so a skeleton page mid-render does
	// not register as an absent product.
	if !e.sleep(ctx, noResultsRecheckDelay) {
		return ctx.Err()
	}
	html, err = e.page.OuterHTML(ctx)
	if err != nil {
		return models.WrapScrapeError(models.FailurePageLoad, "failed to re-read page: "+err.Error(),
			models.ErrorContext{Site: wfCtx.Site, Action: "check_no_results", SKU: wfCtx.SKU}, err)
	}
	if !e.classify.CheckNoResults(html) {
		e.logger.Debug().Str("site", wfCtx.Site).Str("sku", wfCtx.SKU).Msg("No-results signal did not persist, continuing")
		return nil
	}

	e.results["no_results_found"] = true
	if e.emitter != nil && wfCtx.SKU != "" {
		passing := wfCtx.SkuType == models.SkuTypeFake
		e.emitter.SkuNoResults(wfCtx.Site, wfCtx.SKU, wfCtx.SkuType, passing)
	}
	return models.NewScrapeError(models.FailureNoResults, "no results found for SKU",
		models.ErrorContext{Site: wfCtx.Site, Action: "check_no_results", SKU: wfCtx.SKU})
}

// actionConditionalSkip halts the workflow cleanly when a flag set by
// an earlier step is true.
func actionConditionalSkip(_ context.Context, e *Executor, wfCtx *Context, params map[string]interface{}) error {
	flag := paramString(params, "if_flag", "no_results_found")
	if set, _ := e.results[flag].(bool); set {
		e.logger.Debug().Str("site", wfCtx.Site).Str("flag", flag).Msg("Conditional skip, stopping workflow")
		e.stopped = true
	}
	return nil
}

// actionVerify compares an extracted page value against an expectation.
// A mismatch with on_failure=fail is a selector failure (the page
// layout changed under the definition); on_failure=warn records it and
// continues.
func actionVerify(ctx context.Context, e *Executor, wfCtx *Context, params map[string]interface{}) error {
	selector := paramString(params, "selector", "")
	if id := paramString(params, "selector_id", ""); id != "" {
		if sel, ok := e.def.FindSelector(id); ok {
			selector = sel.Selector
		}
	}
	expected := paramString(params, "expected_value", "")
	if selector == "" || expected == "" {
		return models.NewScrapeError(models.FailureConfiguration, "verify requires selector and expected_value",
			models.ErrorContext{Site: wfCtx.Site, Action: "verify", SKU: wfCtx.SKU})
	}
	errCtx := models.ErrorContext{Site: wfCtx.Site, Action: "verify", Selector: selector, SKU: wfCtx.SKU}

	var actual string
	var err error
	if attr := paramString(params, "attribute", ""); attr != "" && attr != "text" {
		actual, _, err = e.page.Attribute(ctx, selector, attr)
	} else {
		actual, err = e.page.Text(ctx, selector)
	}
	if err != nil {
		return models.WrapScrapeError(models.FailureElement, "verify read failed: "+err.Error(), errCtx, err)
	}
	actual = strings.TrimSpace(actual)

	mode := paramString(params, "match_mode", "exact")
	matched, err := valuesMatch(actual, expected, mode)
	if err != nil {
		return models.WrapScrapeError(models.FailureConfiguration, "verify failed: "+err.Error(), errCtx, err)
	}
	if matched {
		return nil
	}

	msg := fmt.Sprintf("verification failed: expected %q (%s), got %q", expected, mode, actual)
	if paramString(params, "on_failure", "fail") == "warn" {
		e.logger.Warn().Str("site", wfCtx.Site).Str("sku", wfCtx.SKU).Str("selector", selector).Msg(msg)
		e.stepErrors = append(e.stepErrors, msg)
		return nil
	}
	return models.NewScrapeError(models.FailureSelector, msg, errCtx)
}

func valuesMatch(actual, expected, mode string) (bool, error) {
	switch mode {
	case "exact":
		return actual == expected, nil
	case "contains":
		return strings.Contains(strings.ToLower(actual), strings.ToLower(expected)), nil
	case "fuzzy_number":
		a, errA := parseNumber(actual)
		b, errB := parseNumber(expected)
		if errA != nil || errB != nil {
			return false, nil
		}
		return math.Abs(a-b) < 0.01, nil
	default:
		return false, fmt.Errorf("unknown match_mode %q", mode)
	}
}

var numberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// parseNumber pulls the first decimal out of a string, tolerating
// currency symbols and thousands separators.
func parseNumber(s string) (float64, error) {
	s = strings.ReplaceAll(s, ",", "")
	m := numberPattern.FindString(s)
	if m == "" {
		return 0, fmt.Errorf("no number in %q", s)
	}
	return strconv.ParseFloat(m, 64)
}

// actionDetectCaptcha checks the page for challenge markers. A captcha
// is surfaced as a retryable failure so the retry executor backs off
// and any registered recovery hook can run.
func actionDetectCaptcha(ctx context.Context, e *Executor, wfCtx *Context, params map[string]interface{}) error {
	html, err := e.page.OuterHTML(ctx)
	if err != nil {
		return models.WrapScrapeError(models.FailurePageLoad, "failed to read page: "+err.Error(),
			models.ErrorContext{Site: wfCtx.Site, Action: "detect_captcha", SKU: wfCtx.SKU}, err)
	}

	fc, found := e.classify.ClassifyPageContent(html, 0, models.ErrorContext{Site: wfCtx.Site, SKU: wfCtx.SKU})
	if !found || fc.Kind != models.FailureCaptcha {
		return nil
	}

	e.results["captcha_detected"] = true
	e.logger.Warn().Str("site", wfCtx.Site).Str("sku", wfCtx.SKU).Msg("Captcha detected")
	return models.NewScrapeError(models.FailureCaptcha, "captcha challenge detected",
		models.ErrorContext{Site: wfCtx.Site, Action: "detect_captcha", SKU: wfCtx.SKU})
}
