package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/carpo/internal/models"
)

// fakePage is a scripted Page implementation for executor tests.
type fakePage struct {
	navStatus int
	navErr    error
	navigated []string

	visible map[string]bool
	exists  map[string]bool

	texts      map[string]string
	textsMulti map[string][]string
	attrs      map[string]map[string]string
	html       string
	url        string

	clicked []string
	typed   map[string]string
	onClick func(selector string)
	evalFn  func(expr string, out interface{}) error
}

func newFakePage() *fakePage {
	return &fakePage{
		visible:    map[string]bool{},
		exists:     map[string]bool{},
		texts:      map[string]string{},
		textsMulti: map[string][]string{},
		attrs:      map[string]map[string]string{},
		typed:      map[string]string{},
	}
}

func (p *fakePage) Navigate(_ context.Context, url string) (int, error) {
	p.navigated = append(p.navigated, url)
	return p.navStatus, p.navErr
}

func (p *fakePage) WaitVisible(_ context.Context, selector string, _ time.Duration) error {
	if p.visible[selector] {
		return nil
	}
	return fmt.Errorf("timed out waiting for %s", selector)
}

func (p *fakePage) Exists(_ context.Context, selector string) (bool, error) {
	return p.exists[selector], nil
}

func (p *fakePage) Click(_ context.Context, selector string) error {
	p.clicked = append(p.clicked, selector)
	if p.onClick != nil {
		p.onClick(selector)
	}
	return nil
}

func (p *fakePage) SendKeys(_ context.Context, selector, text string, _ bool) error {
	p.typed[selector] = text
	return nil
}

func (p *fakePage) Text(_ context.Context, selector string) (string, error) {
	if v, ok := p.texts[selector]; ok {
		return v, nil
	}
	return "", fmt.Errorf("element not found: %s", selector)
}

func (p *fakePage) Texts(_ context.Context, selector string) ([]string, error) {
	return p.textsMulti[selector], nil
}

func (p *fakePage) Attribute(_ context.Context, selector, name string) (string, bool, error) {
	if m, ok := p.attrs[selector]; ok {
		v, found := m[name]
		return v, found, nil
	}
	return "", false, nil
}

func (p *fakePage) Evaluate(_ context.Context, expr string, out interface{}) error {
	if p.evalFn != nil {
		return p.evalFn(expr, out)
	}
	return nil
}

func (p *fakePage) ScrollIntoView(context.Context, string) error { return nil }
func (p *fakePage) Screenshot(context.Context) ([]byte, error)   { return nil, nil }
func (p *fakePage) OuterHTML(context.Context) (string, error)    { return p.html, nil }
func (p *fakePage) CurrentURL(context.Context) (string, error)   { return p.url, nil }
func (p *fakePage) Reload(context.Context) error                 { return nil }
func (p *fakePage) ClearCookies(context.Context) error           { return nil }

// newTestExecutor wires a fake page with instant sleeps and a
// controllable clock.
func newTestExecutor(t *testing.T, def *models.ScraperDefinition, page *fakePage) (*Executor, *time.Time) {
	t.Helper()
	e := New(Config{Definition: def, Page: page})

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	e.sleep = func(ctx context.Context, d time.Duration) bool {
		now = now.Add(d)
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	return e, &now
}

func TestExecuteWorkflowExtractsAndNormalizes(t *testing.T) {
	def := &models.ScraperDefinition{
		Name: "acme",
		Selectors: []models.SelectorConfig{
			{ID: "product_name", Selector: ".title", Required: true},
			{ID: "weight", Selector: ".weight"},
		},
		Workflow: []models.WorkflowStep{
			{Action: "navigate", Params: map[string]interface{}{"url": "https://acme.test/p/{sku}"}},
			{Action: "extract_single", Params: map[string]interface{}{"selector_id": "product_name", "field": "Name"}},
			{Action: "extract_single", Params: map[string]interface{}{"selector_id": "weight", "field": "Weight"}},
		},
		Normalization: []models.NormalizationRule{
			{Field: "Name", Type: "title_case"},
			{Field: "Weight", Type: "extract_weight"},
		},
	}

	page := newFakePage()
	page.navStatus = 200
	page.exists[".title"] = true
	page.exists[".weight"] = true
	page.texts[".title"] = "WIDGET DELUXE"
	page.texts[".weight"] = "32 oz"

	e, _ := newTestExecutor(t, def, page)
	out := e.ExecuteWorkflow(context.Background(), &Context{SKU: "ABC-123", Site: "acme"})

	require.True(t, out.Success, "errors: %v", out.Errors)
	assert.Equal(t, 3, out.StepsExecuted)
	assert.Equal(t, 3, out.TotalSteps)
	assert.False(t, out.NoResultsFound)

	require.Len(t, page.navigated, 1)
	assert.Equal(t, "https://acme.test/p/ABC-123", page.navigated[0], "placeholder must be substituted")

	assert.Equal(t, "Widget Deluxe", out.Results["Name"])
	assert.Equal(t, "2.00", out.Results["Weight"])
}

func TestExecuteWorkflowUnknownActionIsConfigurationError(t *testing.T) {
	def := &models.ScraperDefinition{
		Name:     "acme",
		Workflow: []models.WorkflowStep{{Action: "teleport"}},
	}
	e, _ := newTestExecutor(t, def, newFakePage())

	out := e.ExecuteWorkflow(context.Background(), &Context{SKU: "X", Site: "acme"})
	assert.False(t, out.Success)
	assert.Equal(t, 0, out.StepsExecuted)
	assert.Equal(t, models.FailureConfiguration, out.FailureKind)
}

func TestExecuteWorkflowRequiredSelectorMissingFails(t *testing.T) {
	def := &models.ScraperDefinition{
		Name:      "acme",
		Selectors: []models.SelectorConfig{{ID: "name", Selector: ".title", Required: true}},
		Workflow: []models.WorkflowStep{
			{Action: "extract_single", Params: map[string]interface{}{"selector_id": "name"}},
		},
	}
	page := newFakePage() // .title does not exist

	e, _ := newTestExecutor(t, def, page)
	out := e.ExecuteWorkflow(context.Background(), &Context{SKU: "X", Site: "acme"})

	assert.False(t, out.Success)
	assert.Equal(t, models.FailureElement, out.FailureKind)
	require.Len(t, out.Selectors, 1)
	assert.False(t, out.Selectors[0].Found)
}

func TestExecuteWorkflowOptionalSelectorMissingContinues(t *testing.T) {
	def := &models.ScraperDefinition{
		Name:      "acme",
		Selectors: []models.SelectorConfig{{ID: "brand", Selector: ".brand"}},
		Workflow: []models.WorkflowStep{
			{Action: "extract_single", Params: map[string]interface{}{"selector_id": "brand", "field": "Brand"}},
		},
	}
	e, _ := newTestExecutor(t, def, newFakePage())

	out := e.ExecuteWorkflow(context.Background(), &Context{SKU: "X", Site: "acme"})
	require.True(t, out.Success)
	_, stored := out.Results["Brand"]
	assert.False(t, stored, "missing optional selector must not store a value")
}

func TestExecuteWorkflowNoResultsStopsCleanly(t *testing.T) {
	def := &models.ScraperDefinition{
		Name: "acme",
		Validation: models.ValidationConfig{
			NoResultsTextPatterns: []string{"no products found"},
		},
		Workflow: []models.WorkflowStep{
			{Action: "check_no_results"},
			{Action: "extract_single", Params: map[string]interface{}{"selector": ".title", "field": "Name", "required": true}},
		},
	}
	page := newFakePage()
	page.html = "<body><p>Sorry, no products found for your search.</p></body>"

	e, _ := newTestExecutor(t, def, page)
	out := e.ExecuteWorkflow(context.Background(), &Context{SKU: "GONE-1", Site: "acme"})

	assert.True(t, out.Success, "absent product is not a workflow failure")
	assert.True(t, out.NoResultsFound)
	assert.Equal(t, 1, out.StepsExecuted, "extraction after the no-results stop must not run")
}

func TestExecuteWorkflowConditionalSkip(t *testing.T) {
	def := &models.ScraperDefinition{
		Name: "acme",
		Workflow: []models.WorkflowStep{
			{Action: "execute_script", Params: map[string]interface{}{"script": "checkEmpty()", "result_field": "no_results_found"}},
			{Action: "conditional_skip", Params: map[string]interface{}{"if_flag": "no_results_found"}},
			{Action: "navigate", Params: map[string]interface{}{"url": "https://acme.test/next"}},
		},
	}
	page := newFakePage()
	page.evalFn = func(_ string, out interface{}) error {
		if b, ok := out.(*interface{}); ok {
			*b = true
		}
		return nil
	}

	e, _ := newTestExecutor(t, def, page)
	out := e.ExecuteWorkflow(context.Background(), &Context{SKU: "X", Site: "acme"})

	assert.True(t, out.Success)
	assert.True(t, out.NoResultsFound)
	assert.Equal(t, 2, out.StepsExecuted)
	assert.Empty(t, page.navigated, "steps after conditional_skip must not run")
}

func TestExecuteWorkflowNavigateErrorStatus(t *testing.T) {
	def := &models.ScraperDefinition{
		Name: "acme",
		Workflow: []models.WorkflowStep{
			{Action: "navigate", Params: map[string]interface{}{"url": "https://acme.test/p/1"}},
		},
	}
	page := newFakePage()
	page.navStatus = 403

	e, _ := newTestExecutor(t, def, page)
	out := e.ExecuteWorkflow(context.Background(), &Context{SKU: "X", Site: "acme"})

	assert.False(t, out.Success)
	assert.Equal(t, models.FailureAccessDenied, out.FailureKind)
}

func TestExecuteWorkflowNavigate404IsNoData(t *testing.T) {
	def := &models.ScraperDefinition{
		Name: "acme",
		Workflow: []models.WorkflowStep{
			{Action: "navigate", Params: map[string]interface{}{"url": "https://acme.test/p/1"}},
			{Action: "extract_single", Params: map[string]interface{}{"selector": ".title", "required": true}},
		},
	}
	page := newFakePage()
	page.navStatus = 404

	e, _ := newTestExecutor(t, def, page)
	out := e.ExecuteWorkflow(context.Background(), &Context{SKU: "X", Site: "acme"})

	assert.True(t, out.Success)
	assert.True(t, out.NoResultsFound)
	assert.Equal(t, 1, out.StepsExecuted)
}

func TestExecuteWorkflowVerifyMismatchFails(t *testing.T) {
	def := &models.ScraperDefinition{
		Name: "acme",
		Workflow: []models.WorkflowStep{
			{Action: "verify", Params: map[string]interface{}{
				"selector":       ".sku",
				"expected_value": "{sku}",
				"match_mode":     "exact",
			}},
		},
	}
	page := newFakePage()
	page.texts[".sku"] = "WRONG-99"

	e, _ := newTestExecutor(t, def, page)
	out := e.ExecuteWorkflow(context.Background(), &Context{SKU: "RIGHT-1", Site: "acme"})

	assert.False(t, out.Success)
	assert.Equal(t, models.FailureSelector, out.FailureKind)
}

func TestExecuteWorkflowVerifyWarnContinues(t *testing.T) {
	def := &models.ScraperDefinition{
		Name: "acme",
		Workflow: []models.WorkflowStep{
			{Action: "verify", Params: map[string]interface{}{
				"selector":       ".price",
				"expected_value": "19.99",
				"match_mode":     "fuzzy_number",
				"on_failure":     "warn",
			}},
		},
	}
	page := newFakePage()
	page.texts[".price"] = "$24.99"

	e, _ := newTestExecutor(t, def, page)
	out := e.ExecuteWorkflow(context.Background(), &Context{SKU: "X", Site: "acme"})

	assert.True(t, out.Success)
	assert.NotEmpty(t, out.Errors, "warn mode records the mismatch")
}

func TestExecuteWorkflowVerifyFuzzyNumberTolerance(t *testing.T) {
	def := &models.ScraperDefinition{
		Name: "acme",
		Workflow: []models.WorkflowStep{
			{Action: "verify", Params: map[string]interface{}{
				"selector":       ".price",
				"expected_value": "1,299.99",
				"match_mode":     "fuzzy_number",
			}},
		},
	}
	page := newFakePage()
	page.texts[".price"] = "$1299.99"

	e, _ := newTestExecutor(t, def, page)
	out := e.ExecuteWorkflow(context.Background(), &Context{SKU: "X", Site: "acme"})
	assert.True(t, out.Success, "currency symbols and separators must not break fuzzy matching")
}

func TestExecuteWorkflowWaitForTimeout(t *testing.T) {
	def := &models.ScraperDefinition{
		Name: "acme",
		Workflow: []models.WorkflowStep{
			{Action: "wait_for", Params: map[string]interface{}{"selector": ".never", "timeout": 2}},
		},
	}
	e, _ := newTestExecutor(t, def, newFakePage())

	out := e.ExecuteWorkflow(context.Background(), &Context{SKU: "X", Site: "acme"})
	assert.False(t, out.Success)
	assert.Equal(t, models.FailureTimeout, out.FailureKind)
}

func TestExecuteWorkflowWaitForAnyOf(t *testing.T) {
	def := &models.ScraperDefinition{
		Name: "acme",
		Workflow: []models.WorkflowStep{
			{Action: "wait_for", Params: map[string]interface{}{
				"selector": []interface{}{".missing", ".present"},
				"timeout":  2,
			}},
		},
	}
	page := newFakePage()
	page.exists[".present"] = true

	e, _ := newTestExecutor(t, def, page)
	out := e.ExecuteWorkflow(context.Background(), &Context{SKU: "X", Site: "acme"})
	assert.True(t, out.Success)
}

func TestExecuteWorkflowCancelledContext(t *testing.T) {
	def := &models.ScraperDefinition{
		Name: "acme",
		Workflow: []models.WorkflowStep{
			{Action: "navigate", Params: map[string]interface{}{"url": "https://acme.test"}},
		},
	}
	e, _ := newTestExecutor(t, def, newFakePage())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := e.ExecuteWorkflow(ctx, &Context{SKU: "X", Site: "acme"})

	assert.False(t, out.Success)
	assert.Equal(t, 0, out.StepsExecuted)
	assert.Equal(t, models.FailureCancelled, out.FailureKind,
		"an operator stop is not a timeout")
}

func TestExecuteWorkflowTransformPipeline(t *testing.T) {
	def := &models.ScraperDefinition{
		Name: "acme",
		Workflow: []models.WorkflowStep{
			{Action: "extract_single", Params: map[string]interface{}{"selector": ".brand", "field": "brand_raw"}},
			{Action: "transform_value", Params: map[string]interface{}{
				"source_field": "brand_raw",
				"target_field": "Brand",
				"transformations": []interface{}{
					map[string]interface{}{"type": "replace", "from": "Brand:", "to": ""},
					map[string]interface{}{"type": "strip"},
					map[string]interface{}{"type": "title"},
				},
			}},
		},
	}
	page := newFakePage()
	page.exists[".brand"] = true
	page.texts[".brand"] = "Brand:  ACME CORP "

	e, _ := newTestExecutor(t, def, page)
	out := e.ExecuteWorkflow(context.Background(), &Context{SKU: "X", Site: "acme"})

	require.True(t, out.Success, "errors: %v", out.Errors)
	assert.Equal(t, "Acme Corp", out.Results["Brand"])
}

func TestExecuteWorkflowParseTable(t *testing.T) {
	def := &models.ScraperDefinition{
		Name: "acme",
		Workflow: []models.WorkflowStep{
			{Action: "parse_table", Params: map[string]interface{}{
				"selector":     "table.specs",
				"target_field": "specs",
			}},
		},
	}
	page := newFakePage()
	page.html = `<html><body><table class="specs">
		<tr><td>Weight:</td><td>5 lbs</td></tr>
		<tr><td>Color</td><td>Red</td></tr>
	</table></body></html>`

	e, _ := newTestExecutor(t, def, page)
	out := e.ExecuteWorkflow(context.Background(), &Context{SKU: "X", Site: "acme"})

	require.True(t, out.Success, "errors: %v", out.Errors)
	specs, ok := out.Results["specs"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "5 lbs", specs["Weight"], "trailing colon must be stripped from keys")
	assert.Equal(t, "Red", specs["Color"])
}

func TestExecuteWorkflowDetectCaptchaSurfacesFailure(t *testing.T) {
	def := &models.ScraperDefinition{
		Name: "acme",
		Workflow: []models.WorkflowStep{
			{Action: "detect_captcha"},
		},
	}
	page := newFakePage()
	page.html = `<html><body><iframe src="https://www.google.com/recaptcha/api2/anchor"></iframe></body></html>`

	e, _ := newTestExecutor(t, def, page)
	out := e.ExecuteWorkflow(context.Background(), &Context{SKU: "X", Site: "acme"})

	assert.False(t, out.Success)
	assert.Equal(t, models.FailureCaptcha, out.FailureKind)
	captcha, _ := out.Results["captcha_detected"].(bool)
	assert.True(t, captcha)
}

func TestExecuteWorkflowDebugCaptureOnFailure(t *testing.T) {
	def := &models.ScraperDefinition{
		Name: "acme",
		Workflow: []models.WorkflowStep{
			{Action: "click", Params: map[string]interface{}{}},
		},
	}
	page := newFakePage()
	page.url = "https://acme.test/p/1"
	page.html = "<html><body>broken</body></html>"

	var captured []DebugInfo
	e := New(Config{
		Definition: def,
		Page:       page,
		DebugMode:  true,
		DebugFn: func(_ context.Context, info DebugInfo) {
			captured = append(captured, info)
		},
	})

	out := e.ExecuteWorkflow(context.Background(), &Context{SKU: "X", Site: "acme"})
	assert.False(t, out.Success)
	require.Len(t, captured, 1)
	assert.Equal(t, "click", captured[0].Action)
	assert.NotEmpty(t, captured[0].Error)
	assert.Equal(t, "https://acme.test/p/1", captured[0].URL)
	assert.Equal(t, page.html, captured[0].PageHTML)
}

func TestSubstituteParamsNested(t *testing.T) {
	subs := map[string]string{"sku": "AB-1", "site": "acme"}
	params := substituteParams(map[string]interface{}{
		"url":   "https://{site}.test/search?q={sku}",
		"count": 3,
		"list":  []interface{}{"{sku}", "static"},
		"inner": map[string]interface{}{"field": "{sku}"},
	}, subs)

	assert.Equal(t, "https://acme.test/search?q=AB-1", params["url"])
	assert.Equal(t, 3, params["count"])
	assert.Equal(t, []interface{}{"AB-1", "static"}, params["list"])
	inner := params["inner"].(map[string]interface{})
	assert.Equal(t, "AB-1", inner["field"])
}

func TestValidateWorkflowRejectsUnknownAction(t *testing.T) {
	def := &models.ScraperDefinition{
		Name: "acme",
		Workflow: []models.WorkflowStep{
			{Action: "navigate", Params: map[string]interface{}{"url": "x"}},
			{Action: "frobnicate"},
		},
	}
	err := ValidateWorkflow(def)
	require.Error(t, err)
	se, ok := models.AsScrapeError(err)
	require.True(t, ok)
	assert.Equal(t, models.FailureConfiguration, se.Kind)
	assert.Equal(t, 1, se.Context.StepIndex)
}

func TestDedupePreservesOrder(t *testing.T) {
	in := []string{"b", "a", "b", "", "c", "a"}
	assert.Equal(t, []string{"b", "a", "c"}, dedupe(in))
}

func TestFilterIndices(t *testing.T) {
	texts := []string{"Add to cart", "Buy now", "Add to wishlist", "add to cart"}

	matched, err := filterIndices(texts, "add to", "wishlist")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3}, matched)

	_, err = filterIndices(texts, "(unclosed", "")
	assert.Error(t, err)
}

func TestTitleCase(t *testing.T) {
	assert.Equal(t, "Widget Deluxe Pro", titleCase("WIDGET deluxe PRO"))
	assert.Equal(t, "", titleCase(""))
}
