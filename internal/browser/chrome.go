package browser

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/carpo/internal/interfaces"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// chromeBrowser is one pooled Chrome instance: an exec allocator plus
// a tab context, with the use counter managed by the pool.
type chromeBrowser struct {
	ctx             context.Context
	cancelBrowser   context.CancelFunc
	cancelAllocator context.CancelFunc
	page            *chromePage
	throttle        *Throttler
	uses            int
	logger          arbor.ILogger
}

// newChromeBrowser launches a Chrome instance and verifies it responds
// before handing it out.
func newChromeBrowser(config PoolConfig, logger arbor.ILogger) (*chromeBrowser, error) {
	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", config.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(config.userAgent()),
	)

	allocatorCtx, cancelAllocator := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocatorCtx)

	testCtx, cancelTest := context.WithTimeout(browserCtx, 30*time.Second)
	defer cancelTest()

	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		cancelBrowser()
		cancelAllocator()
		return nil, fmt.Errorf("browser failed startup test: %w", err)
	}

	b := &chromeBrowser{
		ctx:             browserCtx,
		cancelBrowser:   cancelBrowser,
		cancelAllocator: cancelAllocator,
		throttle:        config.Throttle,
		logger:          logger,
	}
	b.page = &chromePage{browser: b}
	return b, nil
}

func (b *chromeBrowser) Page() interfaces.Page { return b.page }

// Healthy probes the instance with a cheap title read.
func (b *chromeBrowser) Healthy(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(b.ctx, 5*time.Second)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var title string
	return chromedp.Run(probeCtx, chromedp.Title(&title)) == nil
}

func (b *chromeBrowser) Close() error {
	b.cancelBrowser()
	b.cancelAllocator()
	return nil
}

// chromePage implements interfaces.Page on a chromedp tab context.
type chromePage struct {
	browser *chromeBrowser
}

// run derives a chromedp-rooted context honoring the caller's deadline
// and cancellation.
func (p *chromePage) run(ctx context.Context) (context.Context, context.CancelFunc) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if deadline, ok := ctx.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(p.browser.ctx, deadline)
	} else {
		runCtx, cancel = context.WithCancel(p.browser.ctx)
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

// Navigate loads the URL and reports the main document status. The
// status comes from the first document response observed on the tab;
// 0 means no response event was seen (e.g. about: URLs).
func (p *chromePage) Navigate(ctx context.Context, url string) (int, error) {
	// Page loads pass through the shared throttle so every worker
	// respects the global rate budget.
	if t := p.browser.throttle; t != nil {
		if err := t.Wait(ctx); err != nil {
			return 0, err
		}
		defer t.Done()
	}

	runCtx, cancel := p.run(ctx)
	defer cancel()

	var status int
	listenCtx, stopListen := context.WithCancel(runCtx)
	defer stopListen()
	chromedp.ListenTarget(listenCtx, func(ev interface{}) {
		if resp, ok := ev.(*network.EventResponseReceived); ok {
			if resp.Type == network.ResourceTypeDocument && status == 0 {
				status = int(resp.Response.Status)
			}
		}
	})

	err := chromedp.Run(runCtx,
		network.Enable(),
		chromedp.Navigate(url),
	)
	stopListen()
	return status, err
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	runCtx, cancel := p.run(ctx)
	defer cancel()
	waitCtx, cancelWait := context.WithTimeout(runCtx, timeout)
	defer cancelWait()
	return chromedp.Run(waitCtx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *chromePage) Exists(ctx context.Context, selector string) (bool, error) {
	var count int
	err := p.Evaluate(ctx, fmt.Sprintf("document.querySelectorAll(%s).length", strconv.Quote(selector)), &count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	runCtx, cancel := p.run(ctx)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.Click(selector, chromedp.ByQuery))
}

func (p *chromePage) SendKeys(ctx context.Context, selector, text string, clearFirst bool) error {
	runCtx, cancel := p.run(ctx)
	defer cancel()

	actions := []chromedp.Action{}
	if clearFirst {
		actions = append(actions, chromedp.Clear(selector, chromedp.ByQuery))
	}
	actions = append(actions, chromedp.SendKeys(selector, text, chromedp.ByQuery))
	return chromedp.Run(runCtx, actions...)
}

func (p *chromePage) Text(ctx context.Context, selector string) (string, error) {
	runCtx, cancel := p.run(ctx)
	defer cancel()

	var text string
	err := chromedp.Run(runCtx, chromedp.Text(selector, &text, chromedp.ByQuery))
	return text, err
}

func (p *chromePage) Texts(ctx context.Context, selector string) ([]string, error) {
	var texts []string
	expr := fmt.Sprintf(
		"Array.from(document.querySelectorAll(%s)).map(el => el.innerText)",
		strconv.Quote(selector),
	)
	if err := p.Evaluate(ctx, expr, &texts); err != nil {
		return nil, err
	}
	return texts, nil
}

func (p *chromePage) Attribute(ctx context.Context, selector, name string) (string, bool, error) {
	runCtx, cancel := p.run(ctx)
	defer cancel()

	var value string
	var ok bool
	err := chromedp.Run(runCtx, chromedp.AttributeValue(selector, name, &value, &ok, chromedp.ByQuery))
	return value, ok, err
}

func (p *chromePage) Evaluate(ctx context.Context, expression string, out interface{}) error {
	runCtx, cancel := p.run(ctx)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.Evaluate(expression, out))
}

func (p *chromePage) ScrollIntoView(ctx context.Context, selector string) error {
	runCtx, cancel := p.run(ctx)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.ScrollIntoView(selector, chromedp.ByQuery))
}

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	runCtx, cancel := p.run(ctx)
	defer cancel()

	var buf []byte
	err := chromedp.Run(runCtx, chromedp.CaptureScreenshot(&buf))
	return buf, err
}

func (p *chromePage) OuterHTML(ctx context.Context) (string, error) {
	runCtx, cancel := p.run(ctx)
	defer cancel()

	var html string
	err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (p *chromePage) CurrentURL(ctx context.Context) (string, error) {
	runCtx, cancel := p.run(ctx)
	defer cancel()

	var url string
	err := chromedp.Run(runCtx, chromedp.Location(&url))
	return url, err
}

func (p *chromePage) Reload(ctx context.Context) error {
	runCtx, cancel := p.run(ctx)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.Reload())
}

func (p *chromePage) ClearCookies(ctx context.Context) error {
	runCtx, cancel := p.run(ctx)
	defer cancel()
	return chromedp.Run(runCtx, network.ClearBrowserCookies())
}
