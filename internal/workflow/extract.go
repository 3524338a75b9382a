package workflow

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/carpo/internal/models"
)

// resolveSelector turns a step's selector parameters into a concrete
// SelectorConfig. Named selectors from the definition win; inline
// selector/attribute parameters cover one-off extractions.
func resolveSelector(e *Executor, wfCtx *Context, params map[string]interface{}, action string) (models.SelectorConfig, error) {
	if id := paramString(params, "selector_id", ""); id != "" {
		sel, ok := e.def.FindSelector(id)
		if !ok {
			return models.SelectorConfig{}, models.NewScrapeError(models.FailureConfiguration,
				fmt.Sprintf("%s references unknown selector %q", action, id),
				models.ErrorContext{Site: wfCtx.Site, Action: action, SKU: wfCtx.SKU})
		}
		return sel, nil
	}
	if raw := paramString(params, "selector", ""); raw != "" {
		return models.SelectorConfig{
			ID:        paramString(params, "field", raw),
			Selector:  raw,
			Attribute: paramString(params, "attribute", ""),
			Multiple:  paramBool(params, "multiple", false),
			Required:  paramBool(params, "required", false),
		}, nil
	}
	return models.SelectorConfig{}, models.NewScrapeError(models.FailureConfiguration,
		action+" requires selector_id or selector",
		models.ErrorContext{Site: wfCtx.Site, Action: action, SKU: wfCtx.SKU})
}

func selectorField(sel models.SelectorConfig, params map[string]interface{}) string {
	if field := paramString(params, "field", ""); field != "" {
		return field
	}
	if sel.Name != "" {
		return sel.Name
	}
	if sel.ID != "" {
		return sel.ID
	}
	return sel.Selector
}

func selectorKey(sel models.SelectorConfig) string {
	if sel.ID != "" {
		return sel.ID
	}
	if sel.Name != "" {
		return sel.Name
	}
	return sel.Selector
}

// extractOne reads a single selector into the results map. A missing
// optional selector records status and moves on; a missing required
// selector is an element failure.
func extractOne(ctx context.Context, e *Executor, wfCtx *Context, sel models.SelectorConfig, field string) error {
	errCtx := models.ErrorContext{Site: wfCtx.Site, Action: "extract", Selector: sel.Selector, SKU: wfCtx.SKU}

	exists, err := e.page.Exists(ctx, sel.Selector)
	if err != nil {
		return models.WrapScrapeError(models.FailureElement, "selector probe failed: "+err.Error(), errCtx, err)
	}
	if !exists {
		e.recordSelector(wfCtx, selectorKey(sel), false, "")
		if sel.Required {
			return models.NewScrapeError(models.FailureElement,
				fmt.Sprintf("required selector %q matched nothing", sel.Selector), errCtx)
		}
		e.logger.Debug().Str("site", wfCtx.Site).Str("selector", sel.Selector).Msg("Optional selector not found")
		return nil
	}

	if sel.Multiple {
		values, err := extractValues(ctx, e, sel)
		if err != nil {
			return models.WrapScrapeError(models.FailureElement, "extraction failed: "+err.Error(), errCtx, err)
		}
		values = dedupe(values)
		e.results[field] = values
		sample := ""
		if len(values) > 0 {
			sample = values[0]
		}
		e.recordSelector(wfCtx, selectorKey(sel), true, sample)
		return nil
	}

	value, err := extractValue(ctx, e, sel)
	if err != nil {
		return models.WrapScrapeError(models.FailureElement, "extraction failed: "+err.Error(), errCtx, err)
	}
	value = strings.TrimSpace(value)
	e.results[field] = value
	e.recordSelector(wfCtx, selectorKey(sel), true, value)
	return nil
}

func extractValue(ctx context.Context, e *Executor, sel models.SelectorConfig) (string, error) {
	if sel.Attribute != "" && sel.Attribute != "text" {
		value, _, err := e.page.Attribute(ctx, sel.Selector, sel.Attribute)
		return value, err
	}
	return e.page.Text(ctx, sel.Selector)
}

func extractValues(ctx context.Context, e *Executor, sel models.SelectorConfig) ([]string, error) {
	if sel.Attribute != "" && sel.Attribute != "text" {
		expr := fmt.Sprintf(
			"Array.from(document.querySelectorAll(%q)).map(el => el.getAttribute(%q) || '')",
			sel.Selector, sel.Attribute,
		)
		var values []string
		if err := e.page.Evaluate(ctx, expr, &values); err != nil {
			return nil, err
		}
		return values, nil
	}
	return e.page.Texts(ctx, sel.Selector)
}

// dedupe removes duplicates preserving first-seen order and drops
// empty strings.
func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func actionExtractSingle(ctx context.Context, e *Executor, wfCtx *Context, params map[string]interface{}) error {
	sel, err := resolveSelector(e, wfCtx, params, "extract_single")
	if err != nil {
		return err
	}
	sel.Multiple = false
	return extractOne(ctx, e, wfCtx, sel, selectorField(sel, params))
}

func actionExtractMultiple(ctx context.Context, e *Executor, wfCtx *Context, params map[string]interface{}) error {
	sel, err := resolveSelector(e, wfCtx, params, "extract_multiple")
	if err != nil {
		return err
	}
	sel.Multiple = true
	return extractOne(ctx, e, wfCtx, sel, selectorField(sel, params))
}

// actionExtract runs a batch of named selectors. With no selector_ids
// parameter it extracts every selector in the definition.
func actionExtract(ctx context.Context, e *Executor, wfCtx *Context, params map[string]interface{}) error {
	ids := paramStringSlice(params, "selector_ids")
	if len(ids) == 0 {
		ids = paramStringSlice(params, "fields")
	}

	var selectors []models.SelectorConfig
	if len(ids) == 0 {
		selectors = e.def.Selectors
	} else {
		for _, id := range ids {
			sel, ok := e.def.FindSelector(id)
			if !ok {
				return models.NewScrapeError(models.FailureConfiguration,
					fmt.Sprintf("extract references unknown selector %q", id),
					models.ErrorContext{Site: wfCtx.Site, Action: "extract", SKU: wfCtx.SKU})
			}
			selectors = append(selectors, sel)
		}
	}

	for _, sel := range selectors {
		if err := extractOne(ctx, e, wfCtx, sel, selectorField(sel, nil)); err != nil {
			return err
		}
	}
	return nil
}

// actionExtractDescription reads an element's HTML and stores it as
// markdown, keeping structure (lists, emphasis) that plain innerText
// extraction flattens.
func actionExtractDescription(ctx context.Context, e *Executor, wfCtx *Context, params map[string]interface{}) error {
	sel, err := resolveSelector(e, wfCtx, params, "extract_description")
	if err != nil {
		return err
	}
	field := paramString(params, "field", "Description")
	errCtx := models.ErrorContext{Site: wfCtx.Site, Action: "extract_description", Selector: sel.Selector, SKU: wfCtx.SKU}

	exists, err := e.page.Exists(ctx, sel.Selector)
	if err != nil {
		return models.WrapScrapeError(models.FailureElement, "selector probe failed: "+err.Error(), errCtx, err)
	}
	if !exists {
		e.recordSelector(wfCtx, selectorKey(sel), false, "")
		if sel.Required {
			return models.NewScrapeError(models.FailureElement,
				fmt.Sprintf("required selector %q matched nothing", sel.Selector), errCtx)
		}
		return nil
	}

	var html string
	expr := fmt.Sprintf("document.querySelector(%q).outerHTML", sel.Selector)
	if err := e.page.Evaluate(ctx, expr, &html); err != nil {
		return models.WrapScrapeError(models.FailureElement, "extraction failed: "+err.Error(), errCtx, err)
	}

	markdown, err := md.NewConverter("", true, nil).ConvertString(html)
	if err != nil {
		// Fall back to the raw text rather than losing the description.
		e.logger.Warn().Err(err).Str("site", wfCtx.Site).Msg("Markdown conversion failed, storing plain text")
		text, textErr := e.page.Text(ctx, sel.Selector)
		if textErr != nil {
			return models.WrapScrapeError(models.FailureElement, "extraction failed: "+textErr.Error(), errCtx, textErr)
		}
		markdown = text
	}

	markdown = strings.TrimSpace(markdown)
	e.results[field] = markdown
	e.recordSelector(wfCtx, selectorKey(sel), true, truncate(markdown, 80))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// actionTransformValue applies an ordered list of string transforms to
// a previously extracted field.
func actionTransformValue(ctx context.Context, e *Executor, wfCtx *Context, params map[string]interface{}) error {
	source := paramString(params, "source_field", "")
	if source == "" {
		return models.NewScrapeError(models.FailureConfiguration, "transform_value requires source_field",
			models.ErrorContext{Site: wfCtx.Site, Action: "transform_value", SKU: wfCtx.SKU})
	}
	target := paramString(params, "target_field", source)

	raw, ok := e.results[source]
	if !ok {
		e.logger.Debug().Str("site", wfCtx.Site).Str("field", source).Msg("Transform source field missing, skipping")
		return nil
	}
	value, ok := raw.(string)
	if !ok {
		return nil
	}

	transforms, _ := params["transformations"].([]interface{})
	for _, t := range transforms {
		spec, ok := t.(map[string]interface{})
		if !ok {
			continue
		}
		var err error
		value, err = applyTransform(value, spec)
		if err != nil {
			return models.WrapScrapeError(models.FailureConfiguration, "transform failed: "+err.Error(),
				models.ErrorContext{Site: wfCtx.Site, Action: "transform_value", SKU: wfCtx.SKU}, err)
		}
	}

	e.results[target] = value
	return nil
}

func applyTransform(value string, spec map[string]interface{}) (string, error) {
	switch paramString(spec, "type", "") {
	case "replace":
		return strings.ReplaceAll(value, paramString(spec, "from", ""), paramString(spec, "to", "")), nil
	case "strip":
		if chars := paramString(spec, "chars", ""); chars != "" {
			return strings.Trim(value, chars), nil
		}
		return strings.TrimSpace(value), nil
	case "lower":
		return strings.ToLower(value), nil
	case "upper":
		return strings.ToUpper(value), nil
	case "title":
		return titleCase(value), nil
	case "regex_extract":
		pattern := paramString(spec, "pattern", "")
		re, err := regexp.Compile(pattern)
		if err != nil {
			return "", err
		}
		m := re.FindStringSubmatch(value)
		if m == nil {
			return value, nil
		}
		group := paramInt(spec, "group", 1)
		if group >= len(m) {
			group = 0
		}
		return m[group], nil
	default:
		return "", fmt.Errorf("unknown transform type %q", paramString(spec, "type", ""))
	}
}

// titleCase uppercases the first letter of each space-separated word.
func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		r := []rune(w)
		if len(r) > 0 {
			r[0] = []rune(strings.ToUpper(string(r[0])))[0]
			words[i] = string(r)
		}
	}
	return strings.Join(words, " ")
}

// actionParseTable reads a key/value table (spec rows, attribute
// lists) into a map under target_field.
func actionParseTable(ctx context.Context, e *Executor, wfCtx *Context, params map[string]interface{}) error {
	selector := paramString(params, "selector", "")
	target := paramString(params, "target_field", "")
	if selector == "" || target == "" {
		return models.NewScrapeError(models.FailureConfiguration, "parse_table requires selector and target_field",
			models.ErrorContext{Site: wfCtx.Site, Action: "parse_table", SKU: wfCtx.SKU})
	}
	keyCol := paramInt(params, "key_column", 0)
	valueCol := paramInt(params, "value_column", 1)
	errCtx := models.ErrorContext{Site: wfCtx.Site, Action: "parse_table", Selector: selector, SKU: wfCtx.SKU}

	html, err := e.page.OuterHTML(ctx)
	if err != nil {
		return models.WrapScrapeError(models.FailurePageLoad, "failed to read page: "+err.Error(), errCtx, err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return models.WrapScrapeError(models.FailurePageLoad, "failed to parse page: "+err.Error(), errCtx, err)
	}

	table := make(map[string]string)
	doc.Find(selector).Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td, th")
		if cells.Length() <= keyCol || cells.Length() <= valueCol {
			return
		}
		key := strings.TrimSpace(cells.Eq(keyCol).Text())
		key = strings.TrimRight(key, ":")
		value := strings.TrimSpace(cells.Eq(valueCol).Text())
		if key != "" {
			table[key] = value
		}
	})

	if len(table) == 0 {
		e.recordSelector(wfCtx, target, false, "")
		e.logger.Debug().Str("site", wfCtx.Site).Str("selector", selector).Msg("Table parse found no rows")
		return nil
	}

	e.results[target] = table
	e.recordSelector(wfCtx, target, true, fmt.Sprintf("%d rows", len(table)))
	return nil
}
