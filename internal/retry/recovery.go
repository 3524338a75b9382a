package retry

import (
	"context"
	"time"

	"github.com/ternarybob/carpo/internal/interfaces"
	"github.com/ternarybob/carpo/internal/models"
)

// Recovery waits before the consumed retry slot re-runs the operation.
const (
	captchaRecoveryWait      = 5 * time.Second
	rateLimitedRecoveryWait  = 30 * time.Second
	accessDeniedRecoveryWait = 15 * time.Second
)

// registerDefaultRecoveries installs the stock per-kind hooks: captcha
// refreshes the page and waits, rate_limited backs off hard, and
// access_denied clears cookies before retrying. Callers may override
// any of them via RegisterRecoveryHandler.
func (e *Executor) registerDefaultRecoveries() {
	e.recovery[models.FailureCaptcha] = e.recoverCaptcha
	e.recovery[models.FailureRateLimited] = e.recoverRateLimited
	e.recovery[models.FailureAccessDenied] = e.recoverAccessDenied
}

func (e *Executor) recoverCaptcha(ctx context.Context, errCtx models.ErrorContext, page interfaces.Page) bool {
	if page == nil {
		return false
	}
	if err := page.Reload(ctx); err != nil {
		e.logger.Warn().Err(err).Str("site", errCtx.Site).Msg("Captcha recovery reload failed")
		return false
	}
	return e.sleep(ctx, captchaRecoveryWait)
}

func (e *Executor) recoverRateLimited(ctx context.Context, errCtx models.ErrorContext, page interfaces.Page) bool {
	e.logger.Info().Str("site", errCtx.Site).Dur("wait", rateLimitedRecoveryWait).Msg("Rate limited, waiting before retry")
	return e.sleep(ctx, rateLimitedRecoveryWait)
}

func (e *Executor) recoverAccessDenied(ctx context.Context, errCtx models.ErrorContext, page interfaces.Page) bool {
	if page == nil {
		return false
	}
	if err := page.ClearCookies(ctx); err != nil {
		e.logger.Warn().Err(err).Str("site", errCtx.Site).Msg("Access-denied recovery could not clear cookies")
		return false
	}
	return e.sleep(ctx, accessDeniedRecoveryWait)
}
