package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/carpo/internal/classifier"
	"github.com/ternarybob/carpo/internal/common"
	"github.com/ternarybob/carpo/internal/events"
	"github.com/ternarybob/carpo/internal/interfaces"
	"github.com/ternarybob/carpo/internal/models"
	"github.com/ternarybob/carpo/internal/retry"
)

// defaultSessionTTL is how long a login is trusted before the next
// login action re-authenticates.
const defaultSessionTTL = 30 * time.Minute

// Context carries the per-task values substituted into step parameters.
type Context struct {
	SKU      string
	Site     string
	SkuType  models.SkuType
	TestMode bool
	Values   map[string]string
}

// placeholders returns the substitution map for {name} parameters.
func (c *Context) placeholders() map[string]string {
	m := map[string]string{
		"sku":  c.SKU,
		"site": c.Site,
	}
	for k, v := range c.Values {
		m[k] = v
	}
	return m
}

// Outcome is the result of one workflow execution.
type Outcome struct {
	Success        bool
	Results        map[string]interface{}
	StepsExecuted  int
	TotalSteps     int
	Errors         []string
	NoResultsFound bool
	FailureKind    models.FailureKind
	Selectors      []models.SelectorStatus
}

// DebugInfo is handed to the debug callback when a step fails (and, in
// debug mode, after a successful run).
type DebugInfo struct {
	Site       string
	SKU        string
	StepIndex  int
	Action     string
	Error      string
	URL        string
	PageHTML   string
	Screenshot []byte
}

// DebugFunc receives debug artifacts. Implementations typically write
// them to the debug directory served by the HTTP surface.
type DebugFunc func(ctx context.Context, info DebugInfo)

// CredentialsFunc resolves login credentials for a site.
type CredentialsFunc func(site string) (username, password string, err error)

// Config assembles an Executor.
type Config struct {
	Definition  *models.ScraperDefinition
	Page        interfaces.Page
	Retry       *retry.Executor
	Emitter     *events.Emitter
	Credentials CredentialsFunc
	DebugMode   bool
	DebugFn     DebugFunc
	SessionTTL  time.Duration
	Logger      arbor.ILogger
}

// Executor runs a site's declarative workflow against a browser page.
// One executor is bound to one page and reused across SKUs so the
// login session survives between tasks.
type Executor struct {
	def         *models.ScraperDefinition
	page        interfaces.Page
	retry       *retry.Executor
	classify    *classifier.Classifier
	emitter     *events.Emitter
	credentials CredentialsFunc
	debugMode   bool
	debugFn     DebugFunc
	logger      arbor.ILogger

	// Per-execution state, reset by ExecuteWorkflow.
	results    map[string]interface{}
	stepErrors []string
	selectors  []models.SelectorStatus
	stopped    bool
	noResults  bool

	// Login session state, kept across executions.
	authenticated bool
	authAt        time.Time
	sessionTTL    time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// New builds a workflow executor for one scraper definition.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = common.GetLogger()
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	validation := models.ValidationConfig{}
	if cfg.Definition != nil {
		validation = cfg.Definition.Validation
	}
	return &Executor{
		def:         cfg.Definition,
		page:        cfg.Page,
		retry:       cfg.Retry,
		classify:    classifier.New(validation, logger),
		emitter:     cfg.Emitter,
		credentials: cfg.Credentials,
		debugMode:   cfg.DebugMode,
		debugFn:     cfg.DebugFn,
		sessionTTL:  ttl,
		logger:      logger,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// retryableActions is the subset of actions wrapped in the retry
// executor. Extraction and transforms run once: re-running them cannot
// change a parsed page.
var retryableActions = map[string]bool{
	"navigate":         true,
	"wait_for":         true,
	"click":            true,
	"input_text":       true,
	"login":            true,
	"check_no_results": true,
	"detect_captcha":   true,
}

// ValidateWorkflow checks that every step names a registered action.
// Unknown actions are configuration errors caught before any browser
// work starts.
func ValidateWorkflow(def *models.ScraperDefinition) error {
	if def == nil {
		return models.NewScrapeError(models.FailureConfiguration, "scraper definition is nil", models.ErrorContext{})
	}
	for i, step := range def.Workflow {
		if _, ok := actionRegistry[step.Action]; !ok {
			return models.NewScrapeError(
				models.FailureConfiguration,
				fmt.Sprintf("unknown workflow action %q at step %d", step.Action, i),
				models.ErrorContext{Site: def.Name, Action: step.Action, StepIndex: i},
			)
		}
	}
	return nil
}

// RegisteredActions returns the sorted action names, for diagnostics.
func RegisteredActions() []string {
	names := make([]string, 0, len(actionRegistry))
	for name := range actionRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExecuteWorkflow runs every step of the definition's workflow for one
// task. Absent-product outcomes (no results, page not found) stop the
// workflow cleanly with Success=true and NoResultsFound=true; every
// other failure aborts with Success=false.
func (e *Executor) ExecuteWorkflow(ctx context.Context, wfCtx *Context) Outcome {
	e.results = make(map[string]interface{})
	e.stepErrors = nil
	e.selectors = nil
	e.stopped = false
	e.noResults = false

	total := len(e.def.Workflow)
	outcome := Outcome{Results: e.results, TotalSteps: total}

	if err := ValidateWorkflow(e.def); err != nil {
		outcome.Errors = []string{err.Error()}
		outcome.FailureKind = models.FailureConfiguration
		return outcome
	}

	subs := wfCtx.placeholders()
	executed := 0

	for i, step := range e.def.Workflow {
		if e.stopped {
			break
		}
		select {
		case <-ctx.Done():
			outcome.StepsExecuted = executed
			outcome.Errors = append(e.stepErrors, "workflow cancelled: "+ctx.Err().Error())
			outcome.FailureKind = models.FailureCancelled
			return outcome
		default:
		}

		params := substituteParams(step.Params, subs)
		handler := actionRegistry[step.Action]

		e.logger.Debug().
			Str("site", wfCtx.Site).
			Str("sku", wfCtx.SKU).
			Str("action", step.Action).
			Int("step", i+1).
			Int("total", total).
			Msg("Executing workflow step")

		err := e.runStep(ctx, step.Action, handler, wfCtx, params)
		executed++

		if err == nil {
			continue
		}

		if se, ok := models.AsScrapeError(err); ok && se.NoData() {
			e.logger.Info().
				Str("site", wfCtx.Site).
				Str("sku", wfCtx.SKU).
				Str("kind", string(se.Kind)).
				Msg("No data for SKU, stopping workflow")
			e.noResults = true
			e.results["no_results_found"] = true
			// FailureKind is informational here: it lets the runner
			// distinguish an absent page (not_found) from an empty
			// search (no_results).
			outcome.FailureKind = se.Kind
			break
		}

		e.captureDebug(ctx, wfCtx, i, step.Action, err)
		e.stepErrors = append(e.stepErrors, fmt.Sprintf("step %d (%s): %s", i+1, step.Action, err.Error()))

		outcome.StepsExecuted = executed
		outcome.Errors = e.stepErrors
		outcome.FailureKind = models.KindOf(err)
		outcome.Selectors = e.selectors
		return outcome
	}

	if flag, _ := e.results["no_results_found"].(bool); flag {
		e.noResults = true
	}

	if !e.noResults {
		applyNormalization(e.def.Normalization, e.results)
	}

	if e.debugMode && e.debugFn != nil && !e.noResults {
		e.captureDebug(ctx, wfCtx, total, "complete", nil)
	}

	outcome.Success = true
	outcome.StepsExecuted = executed
	outcome.Errors = e.stepErrors
	outcome.NoResultsFound = e.noResults
	outcome.Selectors = e.selectors
	return outcome
}

// runStep dispatches one step, through the retry executor for actions
// on the whitelist.
func (e *Executor) runStep(ctx context.Context, action string, handler ActionFunc, wfCtx *Context, params map[string]interface{}) error {
	if retryableActions[action] && e.retry != nil {
		res := e.retry.ExecuteWithRetryOpts(ctx, wfCtx.Site, action, func(opCtx context.Context) (interface{}, error) {
			return nil, handler(opCtx, e, wfCtx, params)
		}, retry.Options{Page: e.page})
		if res.Success {
			return nil
		}
		return res.Err
	}
	return handler(ctx, e, wfCtx, params)
}

// captureDebug gathers page artifacts through the injected callback.
// Collection is best effort: a dead page must not mask the step error.
func (e *Executor) captureDebug(ctx context.Context, wfCtx *Context, stepIndex int, action string, stepErr error) {
	if e.debugFn == nil {
		return
	}
	if stepErr != nil && !e.debugMode {
		// Failures always capture the URL and error; page content and
		// screenshots only in debug mode.
		url, _ := e.page.CurrentURL(ctx)
		e.debugFn(ctx, DebugInfo{Site: wfCtx.Site, SKU: wfCtx.SKU, StepIndex: stepIndex, Action: action, Error: stepErr.Error(), URL: url})
		return
	}

	info := DebugInfo{Site: wfCtx.Site, SKU: wfCtx.SKU, StepIndex: stepIndex, Action: action}
	if stepErr != nil {
		info.Error = stepErr.Error()
	}
	if url, err := e.page.CurrentURL(ctx); err == nil {
		info.URL = url
	}
	if html, err := e.page.OuterHTML(ctx); err == nil {
		info.PageHTML = html
	}
	if shot, err := e.page.Screenshot(ctx); err == nil {
		info.Screenshot = shot
	}
	e.debugFn(ctx, info)
}

// recordSelector tracks a selector probe for test-mode health reports
// and emits the matching event.
func (e *Executor) recordSelector(wfCtx *Context, id string, found bool, value string) {
	e.selectors = append(e.selectors, models.SelectorStatus{ID: id, Found: found, Value: value})
	if e.emitter == nil || wfCtx.SKU == "" {
		return
	}
	if found {
		e.emitter.SelectorFound(wfCtx.Site, wfCtx.SKU, id)
	} else {
		e.emitter.SelectorMissing(wfCtx.Site, wfCtx.SKU, id)
	}
}

// substituteParams resolves {name} placeholders in string parameters,
// recursing into nested maps and slices.
func substituteParams(params map[string]interface{}, subs map[string]string) map[string]interface{} {
	if len(params) == 0 {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = substituteValue(v, subs)
	}
	return out
}

func substituteValue(v interface{}, subs map[string]string) interface{} {
	switch val := v.(type) {
	case string:
		return substituteString(val, subs)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = substituteValue(item, subs)
		}
		return out
	case map[string]interface{}:
		return substituteParams(val, subs)
	default:
		return v
	}
}

func substituteString(s string, subs map[string]string) string {
	if !strings.Contains(s, "{") {
		return s
	}
	for k, v := range subs {
		s = strings.ReplaceAll(s, "{"+k+"}", v)
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
