package workflow

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/carpo/internal/models"
)

// ActionFunc is one workflow action. Parameters arrive with {name}
// placeholders already substituted.
type ActionFunc func(ctx context.Context, e *Executor, wfCtx *Context, params map[string]interface{}) error

// actionRegistry maps workflow step names to handlers. ValidateWorkflow
// rejects definitions naming anything outside this set.
var actionRegistry = map[string]ActionFunc{
	"navigate":            actionNavigate,
	"wait_for":            actionWaitFor,
	"click":               actionClick,
	"conditional_click":   actionConditionalClick,
	"input_text":          actionInputText,
	"wait":                actionWait,
	"scroll":              actionScroll,
	"execute_script":      actionExecuteScript,
	"extract_single":      actionExtractSingle,
	"extract_multiple":    actionExtractMultiple,
	"extract":             actionExtract,
	"extract_description": actionExtractDescription,
	"transform_value":     actionTransformValue,
	"parse_table":         actionParseTable,
	"check_no_results":    actionCheckNoResults,
	"conditional_skip":    actionConditionalSkip,
	"verify":              actionVerify,
	"detect_captcha":      actionDetectCaptcha,
	"login":               actionLogin,
}

// defaultErrorCodes are the document statuses navigate treats as a
// failed page load unless overridden.
var defaultErrorCodes = []int{400, 401, 403, 404, 500, 502, 503, 504}

func actionNavigate(ctx context.Context, e *Executor, wfCtx *Context, params map[string]interface{}) error {
	url := paramString(params, "url", "")
	if url == "" {
		return models.NewScrapeError(models.FailureConfiguration, "navigate requires a url parameter",
			models.ErrorContext{Site: wfCtx.Site, Action: "navigate", SKU: wfCtx.SKU})
	}

	status, err := e.page.Navigate(ctx, url)
	if err != nil {
		return models.WrapScrapeError(models.FailurePageLoad, "navigation failed: "+err.Error(),
			models.ErrorContext{Site: wfCtx.Site, Action: "navigate", URL: url, SKU: wfCtx.SKU}, err)
	}

	failOnError := paramBool(params, "fail_on_error", true)
	errorCodes := paramIntSlice(params, "error_codes")
	if errorCodes == nil {
		errorCodes = defaultErrorCodes
	}
	if failOnError && status > 0 {
		for _, code := range errorCodes {
			if status == code {
				errCtx := models.ErrorContext{Site: wfCtx.Site, Action: "navigate", URL: url, SKU: wfCtx.SKU}
				if fc, found := e.classify.ClassifyPageContent("", status, errCtx); found {
					return fc.ToError(fmt.Sprintf("navigation returned HTTP %d", status), errCtx)
				}
				return models.NewScrapeError(models.FailurePageLoad,
					fmt.Sprintf("navigation returned HTTP %d", status), errCtx)
			}
		}
	}

	if waitAfter := paramFloat(params, "wait_after", 0); waitAfter > 0 {
		if !e.sleep(ctx, time.Duration(waitAfter*float64(time.Second))) {
			return ctx.Err()
		}
	}
	return nil
}

func actionWaitFor(ctx context.Context, e *Executor, wfCtx *Context, params map[string]interface{}) error {
	selectors := paramStringSlice(params, "selector")
	if len(selectors) == 0 {
		selectors = paramStringSlice(params, "selectors")
	}
	if len(selectors) == 0 {
		return models.NewScrapeError(models.FailureConfiguration, "wait_for requires a selector parameter",
			models.ErrorContext{Site: wfCtx.Site, Action: "wait_for", SKU: wfCtx.SKU})
	}

	timeout := time.Duration(paramFloat(params, "timeout", 10) * float64(time.Second))
	deadline := e.now().Add(timeout)

	// Any-of semantics: poll every selector until one appears.
	for {
		for _, sel := range selectors {
			exists, err := e.page.Exists(ctx, sel)
			if err == nil && exists {
				return nil
			}
		}
		if !e.now().Before(deadline) {
			return models.NewScrapeError(models.FailureTimeout,
				fmt.Sprintf("none of the selectors appeared within %s", timeout),
				models.ErrorContext{Site: wfCtx.Site, Action: "wait_for", Selector: strings.Join(selectors, ", "), SKU: wfCtx.SKU})
		}
		if !e.sleep(ctx, 250*time.Millisecond) {
			return ctx.Err()
		}
	}
}

func actionClick(ctx context.Context, e *Executor, wfCtx *Context, params map[string]interface{}) error {
	selector := paramString(params, "selector", "")
	if selector == "" {
		return models.NewScrapeError(models.FailureConfiguration, "click requires a selector parameter",
			models.ErrorContext{Site: wfCtx.Site, Action: "click", SKU: wfCtx.SKU})
	}
	errCtx := models.ErrorContext{Site: wfCtx.Site, Action: "click", Selector: selector, SKU: wfCtx.SKU}

	index := paramInt(params, "index", 0)
	filterText := paramString(params, "filter_text", "")
	filterExclude := paramString(params, "filter_text_exclude", "")

	target := index
	if filterText != "" || filterExclude != "" {
		texts, err := e.page.Texts(ctx, selector)
		if err != nil {
			return models.WrapScrapeError(models.FailureElement, "failed to read candidates for click: "+err.Error(), errCtx, err)
		}
		matched, err := filterIndices(texts, filterText, filterExclude)
		if err != nil {
			return models.WrapScrapeError(models.FailureConfiguration, "invalid click filter: "+err.Error(), errCtx, err)
		}
		if index >= len(matched) {
			return models.NewScrapeError(models.FailureElement,
				fmt.Sprintf("no element at index %d after filtering (%d matched)", index, len(matched)), errCtx)
		}
		target = matched[index]
	}

	if err := clickNth(ctx, e, selector, target); err != nil {
		return models.WrapScrapeError(models.FailureElement, "click failed: "+err.Error(), errCtx, err)
	}

	if waitAfter := paramFloat(params, "wait_after", 0); waitAfter > 0 {
		if !e.sleep(ctx, time.Duration(waitAfter*float64(time.Second))) {
			return ctx.Err()
		}
	}
	return nil
}

// clickNth clicks the n-th match. The plain chromedp click only targets
// the first match, so any other index goes through a JS click; the JS
// path is also the fallback when the native click fails (overlays,
// off-screen elements).
func clickNth(ctx context.Context, e *Executor, selector string, n int) error {
	if n == 0 {
		_ = e.page.ScrollIntoView(ctx, selector)
		if err := e.page.Click(ctx, selector); err == nil {
			return nil
		}
	}
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelectorAll(%s)[%d];
		if (!el) return false;
		el.scrollIntoView({block: "center"});
		el.click();
		return true;
	})()`, strconv.Quote(selector), n)

	var clicked bool
	if err := e.page.Evaluate(ctx, expr, &clicked); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("element not found at index %d", n)
	}
	return nil
}

// filterIndices returns the indices of texts passing the include and
// exclude regex filters, preserving document order.
func filterIndices(texts []string, include, exclude string) ([]int, error) {
	var incRe, excRe *regexp.Regexp
	var err error
	if include != "" {
		if incRe, err = regexp.Compile("(?i)" + include); err != nil {
			return nil, err
		}
	}
	if exclude != "" {
		if excRe, err = regexp.Compile("(?i)" + exclude); err != nil {
			return nil, err
		}
	}
	var out []int
	for i, text := range texts {
		if incRe != nil && !incRe.MatchString(text) {
			continue
		}
		if excRe != nil && excRe.MatchString(text) {
			continue
		}
		out = append(out, i)
	}
	return out, nil
}

// actionConditionalClick clicks the first selector that exists; absent
// selectors are not an error. Used for dismissing cookie banners and
// optional popups.
func actionConditionalClick(ctx context.Context, e *Executor, wfCtx *Context, params map[string]interface{}) error {
	raw := paramString(params, "selectors", "")
	selectors := paramStringSlice(params, "selectors")
	if strings.Contains(raw, ",") {
		selectors = nil
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				selectors = append(selectors, s)
			}
		}
	}
	if len(selectors) == 0 {
		selectors = paramStringSlice(params, "selector")
	}

	for _, sel := range selectors {
		exists, err := e.page.Exists(ctx, sel)
		if err != nil || !exists {
			continue
		}
		if err := e.page.Click(ctx, sel); err != nil {
			e.logger.Debug().Str("site", wfCtx.Site).Str("selector", sel).Err(err).Msg("Conditional click failed")
			continue
		}
		if waitAfter := paramFloat(params, "wait_after", 0); waitAfter > 0 {
			if !e.sleep(ctx, time.Duration(waitAfter*float64(time.Second))) {
				return ctx.Err()
			}
		}
		return nil
	}
	return nil
}

func actionInputText(ctx context.Context, e *Executor, wfCtx *Context, params map[string]interface{}) error {
	selector := paramString(params, "selector", "")
	text := paramString(params, "text", "")
	if selector == "" {
		return models.NewScrapeError(models.FailureConfiguration, "input_text requires a selector parameter",
			models.ErrorContext{Site: wfCtx.Site, Action: "input_text", SKU: wfCtx.SKU})
	}
	clearFirst := paramBool(params, "clear_first", true)

	if err := e.page.SendKeys(ctx, selector, text, clearFirst); err != nil {
		return models.WrapScrapeError(models.FailureElement, "input failed: "+err.Error(),
			models.ErrorContext{Site: wfCtx.Site, Action: "input_text", Selector: selector, SKU: wfCtx.SKU}, err)
	}
	return nil
}

func actionWait(ctx context.Context, e *Executor, _ *Context, params map[string]interface{}) error {
	seconds := paramFloat(params, "seconds", 1)
	if seconds <= 0 {
		return nil
	}
	if !e.sleep(ctx, time.Duration(seconds*float64(time.Second))) {
		return ctx.Err()
	}
	return nil
}

func actionScroll(ctx context.Context, e *Executor, wfCtx *Context, params map[string]interface{}) error {
	direction := paramString(params, "direction", "down")
	amount := paramInt(params, "amount", 500)

	var expr string
	switch direction {
	case "down":
		expr = fmt.Sprintf("window.scrollBy(0, %d)", amount)
	case "up":
		expr = fmt.Sprintf("window.scrollBy(0, -%d)", amount)
	case "bottom":
		expr = "window.scrollTo(0, document.body.scrollHeight)"
	case "top":
		expr = "window.scrollTo(0, 0)"
	default:
		return models.NewScrapeError(models.FailureConfiguration, "scroll direction must be down, up, bottom or top",
			models.ErrorContext{Site: wfCtx.Site, Action: "scroll", SKU: wfCtx.SKU})
	}

	if err := e.page.Evaluate(ctx, expr, nil); err != nil {
		return models.WrapScrapeError(models.FailurePageLoad, "scroll failed: "+err.Error(),
			models.ErrorContext{Site: wfCtx.Site, Action: "scroll", SKU: wfCtx.SKU}, err)
	}
	if waitAfter := paramFloat(params, "wait_after", 0); waitAfter > 0 {
		if !e.sleep(ctx, time.Duration(waitAfter*float64(time.Second))) {
			return ctx.Err()
		}
	}
	return nil
}

func actionExecuteScript(ctx context.Context, e *Executor, wfCtx *Context, params map[string]interface{}) error {
	script := paramString(params, "script", "")
	if script == "" {
		return models.NewScrapeError(models.FailureConfiguration, "execute_script requires a script parameter",
			models.ErrorContext{Site: wfCtx.Site, Action: "execute_script", SKU: wfCtx.SKU})
	}

	resultField := paramString(params, "result_field", "")
	if resultField == "" {
		if err := e.page.Evaluate(ctx, script, nil); err != nil {
			return models.WrapScrapeError(models.FailurePageLoad, "script failed: "+err.Error(),
				models.ErrorContext{Site: wfCtx.Site, Action: "execute_script", SKU: wfCtx.SKU}, err)
		}
		return nil
	}

	var out interface{}
	if err := e.page.Evaluate(ctx, script, &out); err != nil {
		return models.WrapScrapeError(models.FailurePageLoad, "script failed: "+err.Error(),
			models.ErrorContext{Site: wfCtx.Site, Action: "execute_script", SKU: wfCtx.SKU}, err)
	}
	e.results[resultField] = out
	return nil
}
