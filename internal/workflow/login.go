package workflow

import (
	"context"
	"time"

	"github.com/ternarybob/carpo/internal/models"
)

const (
	alreadyLoggedInTimeout = 5 * time.Second
	loginFormTimeout       = 15 * time.Second
	defaultLoginTimeout    = 30 * time.Second
)

// actionLogin authenticates against the site. The definition's login
// block provides the defaults; step parameters may override individual
// fields. A still-valid session from an earlier task makes this a
// no-op.
func actionLogin(ctx context.Context, e *Executor, wfCtx *Context, params map[string]interface{}) error {
	cfg := e.loginConfig(params)
	errCtx := models.ErrorContext{Site: wfCtx.Site, Action: "login", SKU: wfCtx.SKU}

	if cfg.URL == "" || cfg.UsernameField == "" || cfg.PasswordField == "" || cfg.SubmitButton == "" || cfg.SuccessIndicator == "" {
		return models.NewScrapeError(models.FailureConfiguration, "login requires url, username_field, password_field, submit_button and success_indicator", errCtx)
	}

	if e.authenticated && e.now().Sub(e.authAt) < e.sessionTTL {
		e.logger.Debug().Str("site", wfCtx.Site).Msg("Session still authenticated, skipping login")
		return nil
	}

	if e.credentials == nil {
		return models.NewScrapeError(models.FailureConfiguration, "no credentials provider configured for authenticated site", errCtx)
	}
	username, password, err := e.credentials(wfCtx.Site)
	if err != nil {
		return models.WrapScrapeError(models.FailureAuth, "failed to resolve credentials: "+err.Error(), errCtx, err)
	}

	if _, err := e.page.Navigate(ctx, cfg.URL); err != nil {
		return models.WrapScrapeError(models.FailurePageLoad, "failed to load login page: "+err.Error(), errCtx, err)
	}

	// A previous browser session may still hold valid cookies.
	if err := e.page.WaitVisible(ctx, cfg.SuccessIndicator, alreadyLoggedInTimeout); err == nil {
		e.logger.Info().Str("site", wfCtx.Site).Msg("Already logged in")
		e.markAuthenticated()
		if wfCtx.TestMode {
			e.emitLoginStatus(wfCtx.Site, cfg, "skipped")
		}
		return nil
	}

	if err := e.page.WaitVisible(ctx, cfg.UsernameField, loginFormTimeout); err != nil {
		if wfCtx.TestMode {
			e.emitLoginStatus(wfCtx.Site, cfg, "")
		}
		return models.WrapScrapeError(models.FailureLoginFailed, "login form did not appear: "+err.Error(), errCtx, err)
	}

	if err := e.page.SendKeys(ctx, cfg.UsernameField, username, true); err != nil {
		return models.WrapScrapeError(models.FailureLoginFailed, "failed to enter username: "+err.Error(), errCtx, err)
	}
	if err := e.page.SendKeys(ctx, cfg.PasswordField, password, true); err != nil {
		return models.WrapScrapeError(models.FailureLoginFailed, "failed to enter password: "+err.Error(), errCtx, err)
	}
	if err := e.page.Click(ctx, cfg.SubmitButton); err != nil {
		return models.WrapScrapeError(models.FailureLoginFailed, "failed to submit login form: "+err.Error(), errCtx, err)
	}

	timeout := defaultLoginTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	if err := e.page.WaitVisible(ctx, cfg.SuccessIndicator, timeout); err != nil {
		if wfCtx.TestMode {
			e.emitLoginStatus(wfCtx.Site, cfg, "")
		}
		return models.WrapScrapeError(models.FailureLoginFailed, "login success indicator did not appear: "+err.Error(), errCtx, err)
	}

	e.logger.Info().Str("site", wfCtx.Site).Msg("Login successful")
	e.markAuthenticated()
	if wfCtx.TestMode {
		e.emitLoginStatus(wfCtx.Site, cfg, "")
	}
	return nil
}

func (e *Executor) markAuthenticated() {
	e.authenticated = true
	e.authAt = e.now()
}

// loginConfig merges the definition's login block with per-step
// overrides.
func (e *Executor) loginConfig(params map[string]interface{}) models.LoginConfig {
	var cfg models.LoginConfig
	if e.def != nil && e.def.Login != nil {
		cfg = *e.def.Login
	}
	if v := paramString(params, "url", ""); v != "" {
		cfg.URL = v
	}
	if v := paramString(params, "username_field", ""); v != "" {
		cfg.UsernameField = v
	}
	if v := paramString(params, "password_field", ""); v != "" {
		cfg.PasswordField = v
	}
	if v := paramString(params, "submit_button", ""); v != "" {
		cfg.SubmitButton = v
	}
	if v := paramString(params, "success_indicator", ""); v != "" {
		cfg.SuccessIndicator = v
	}
	if v := paramInt(params, "timeout", 0); v > 0 {
		cfg.TimeoutSeconds = v
	}
	return cfg
}

// emitLoginStatus probes each login selector and reports the findings,
// so a test run shows exactly which locator broke. The skipped marker
// means cookies satisfied the login without touching the form.
func (e *Executor) emitLoginStatus(site string, cfg models.LoginConfig, marker string) {
	if e.emitter == nil {
		return
	}
	probes := []struct {
		id       string
		selector string
	}{
		{"username_field", cfg.UsernameField},
		{"password_field", cfg.PasswordField},
		{"submit_button", cfg.SubmitButton},
		{"success_indicator", cfg.SuccessIndicator},
	}

	statuses := make([]models.SelectorStatus, 0, len(probes))
	for _, p := range probes {
		status := models.SelectorStatus{ID: p.id, Value: marker}
		if marker == "skipped" {
			status.Found = true
		} else {
			probeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			found, err := e.page.Exists(probeCtx, p.selector)
			cancel()
			status.Found = err == nil && found
		}
		statuses = append(statuses, status)
	}
	e.emitter.LoginSelectorStatus(site, statuses)
}
