package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/carpo/internal/models"
)

func loginDefinition() *models.ScraperDefinition {
	return &models.ScraperDefinition{
		Name:         "portal",
		RequiresAuth: true,
		Login: &models.LoginConfig{
			URL:              "https://portal.test/login",
			UsernameField:    "#username",
			PasswordField:    "#password",
			SubmitButton:     "#submit",
			SuccessIndicator: ".account-menu",
		},
		Workflow: []models.WorkflowStep{
			{Action: "login"},
		},
	}
}

// loginPage scripts a full login: the success indicator only becomes
// visible once the submit button is clicked.
func loginPage() *fakePage {
	page := newFakePage()
	page.visible["#username"] = true
	page.onClick = func(selector string) {
		if selector == "#submit" {
			page.visible[".account-menu"] = true
		}
	}
	return page
}

func newLoginExecutor(t *testing.T, def *models.ScraperDefinition, page *fakePage) (*Executor, *time.Time) {
	t.Helper()
	e, now := newTestExecutor(t, def, page)
	e.credentials = func(site string) (string, string, error) {
		return "scraper-bot", "hunter2", nil
	}
	return e, now
}

func TestLoginFillsFormAndAuthenticates(t *testing.T) {
	page := loginPage()
	e, _ := newLoginExecutor(t, loginDefinition(), page)

	out := e.ExecuteWorkflow(context.Background(), &Context{SKU: "A1", Site: "portal"})
	require.True(t, out.Success, "errors: %v", out.Errors)

	require.Len(t, page.navigated, 1)
	assert.Equal(t, "https://portal.test/login", page.navigated[0])
	assert.Equal(t, "scraper-bot", page.typed["#username"])
	assert.Equal(t, "hunter2", page.typed["#password"])
	assert.Contains(t, page.clicked, "#submit")
	assert.True(t, e.authenticated)
}

func TestLoginSkippedWhileSessionValid(t *testing.T) {
	page := loginPage()
	e, now := newLoginExecutor(t, loginDefinition(), page)

	out := e.ExecuteWorkflow(context.Background(), &Context{SKU: "A1", Site: "portal"})
	require.True(t, out.Success)
	require.Len(t, page.navigated, 1)

	// Second task 10 minutes later reuses the session.
	*now = now.Add(10 * time.Minute)
	out = e.ExecuteWorkflow(context.Background(), &Context{SKU: "A2", Site: "portal"})
	require.True(t, out.Success)
	assert.Len(t, page.navigated, 1, "valid session must not re-login")
}

func TestLoginReauthenticatesAfterExpiry(t *testing.T) {
	page := loginPage()
	e, now := newLoginExecutor(t, loginDefinition(), page)

	out := e.ExecuteWorkflow(context.Background(), &Context{SKU: "A1", Site: "portal"})
	require.True(t, out.Success)

	*now = now.Add(31 * time.Minute)
	out = e.ExecuteWorkflow(context.Background(), &Context{SKU: "A2", Site: "portal"})
	require.True(t, out.Success)
	assert.Len(t, page.navigated, 2, "expired session must trigger a fresh login")
}

func TestLoginAlreadyLoggedInViaCookies(t *testing.T) {
	page := loginPage()
	page.visible[".account-menu"] = true // session cookie still valid

	e, _ := newLoginExecutor(t, loginDefinition(), page)
	out := e.ExecuteWorkflow(context.Background(), &Context{SKU: "A1", Site: "portal"})

	require.True(t, out.Success)
	assert.Empty(t, page.typed, "already-logged-in sessions must not touch the form")
	assert.True(t, e.authenticated)
}

func TestLoginFailsWhenFormNeverAppears(t *testing.T) {
	page := newFakePage() // nothing visible

	e, _ := newLoginExecutor(t, loginDefinition(), page)
	out := e.ExecuteWorkflow(context.Background(), &Context{SKU: "A1", Site: "portal"})

	assert.False(t, out.Success)
	assert.Equal(t, models.FailureLoginFailed, out.FailureKind)
}

func TestLoginFailsWithoutSuccessIndicator(t *testing.T) {
	page := newFakePage()
	page.visible["#username"] = true // form appears, submit does nothing

	e, _ := newLoginExecutor(t, loginDefinition(), page)
	out := e.ExecuteWorkflow(context.Background(), &Context{SKU: "A1", Site: "portal"})

	assert.False(t, out.Success)
	assert.Equal(t, models.FailureLoginFailed, out.FailureKind)
	assert.False(t, e.authenticated)
}

func TestLoginWithoutConfigIsConfigurationError(t *testing.T) {
	def := &models.ScraperDefinition{
		Name:     "portal",
		Workflow: []models.WorkflowStep{{Action: "login"}},
	}
	e, _ := newLoginExecutor(t, def, newFakePage())

	out := e.ExecuteWorkflow(context.Background(), &Context{SKU: "A1", Site: "portal"})
	assert.False(t, out.Success)
	assert.Equal(t, models.FailureConfiguration, out.FailureKind)
}

func TestLoginStepParamsOverrideDefinition(t *testing.T) {
	def := loginDefinition()
	def.Workflow = []models.WorkflowStep{
		{Action: "login", Params: map[string]interface{}{"url": "https://portal.test/sso"}},
	}
	page := loginPage()

	e, _ := newLoginExecutor(t, def, page)
	out := e.ExecuteWorkflow(context.Background(), &Context{SKU: "A1", Site: "portal"})

	require.True(t, out.Success)
	require.Len(t, page.navigated, 1)
	assert.Equal(t, "https://portal.test/sso", page.navigated[0])
}
