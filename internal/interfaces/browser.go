package interfaces

import (
	"context"
	"time"
)

// Page is the browser substrate consumed by workflow actions. The
// chromedp pool provides the production implementation; tests use
// fakes.
type Page interface {
	// Navigate loads a URL and returns the main document HTTP status
	// (0 when the status could not be observed).
	Navigate(ctx context.Context, url string) (int, error)

	// WaitVisible blocks until the selector is visible or the timeout
	// elapses.
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error

	// Exists reports whether the selector matches at least one node.
	Exists(ctx context.Context, selector string) (bool, error)

	Click(ctx context.Context, selector string) error
	SendKeys(ctx context.Context, selector, text string, clearFirst bool) error

	Text(ctx context.Context, selector string) (string, error)
	Texts(ctx context.Context, selector string) ([]string, error)
	Attribute(ctx context.Context, selector, name string) (string, bool, error)

	// Evaluate runs a JavaScript expression, unmarshalling the result
	// into out (out may be nil).
	Evaluate(ctx context.Context, expression string, out interface{}) error

	ScrollIntoView(ctx context.Context, selector string) error
	Screenshot(ctx context.Context) ([]byte, error)
	OuterHTML(ctx context.Context) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	Reload(ctx context.Context) error
	ClearCookies(ctx context.Context) error
}

// Browser is one pooled browser instance owning a Page.
type Browser interface {
	Page() Page
	// Healthy probes the instance (used at acquire time).
	Healthy(ctx context.Context) bool
	Close() error
}

// BrowserPool hands out exclusive browser instances with a use-count
// cap per instance.
type BrowserPool interface {
	Acquire(ctx context.Context) (Browser, error)
	Release(b Browser)
	// Recycle closes the instance and replaces it with a fresh one.
	Recycle(b Browser)
	Close() error
}
