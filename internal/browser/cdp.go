package browser

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/playwright-community/playwright-go"
)

// cdpDriver drives a remote Chrome over CDP via Playwright. One driver
// owns one page in one browser instance.
type cdpDriver struct {
	browser playwright.Browser
	page    playwright.Page
}

// StartPlaywright installs the Playwright driver (browsers come from the
// worker containers, not a local install) and starts it.
func StartPlaywright() (*playwright.Playwright, error) {
	opts := &playwright.RunOptions{
		SkipInstallBrowsers: true,
		Verbose:             false,
		Stdout:              io.Discard,
		Stderr:              io.Discard,
	}
	if err := playwright.Install(opts); err != nil {
		return nil, fmt.Errorf("failed to install playwright driver: %w", err)
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}
	return pw, nil
}

// CDPConnector adapts a running Playwright driver to the connector
// interface the pool factory expects.
type CDPConnector struct {
	pw *playwright.Playwright
}

func NewCDPConnector(pw *playwright.Playwright) *CDPConnector {
	return &CDPConnector{pw: pw}
}

func (c *CDPConnector) Connect(wsURL string) (Driver, error) {
	return ConnectCDP(c.pw, wsURL)
}

// ConnectCDP attaches to a running browser instance over its CDP endpoint.
func ConnectCDP(pw *playwright.Playwright, wsURL string) (Driver, error) {
	b, err := pw.Chromium.ConnectOverCDP(wsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect over CDP: %w", err)
	}

	var bctx playwright.BrowserContext
	if contexts := b.Contexts(); len(contexts) > 0 {
		bctx = contexts[0]
	} else {
		bctx, err = b.NewContext()
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to create browser context: %w", err)
		}
	}

	var page playwright.Page
	if pages := bctx.Pages(); len(pages) > 0 {
		page = pages[0]
	} else {
		page, err = bctx.NewPage()
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to create page: %w", err)
		}
	}

	return &cdpDriver{browser: b, page: page}, nil
}

func (d *cdpDriver) Navigate(ctx context.Context, url string) error {
	_, err := d.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   timeoutMs(ctx),
	})
	if err != nil {
		return d.classify(fmt.Errorf("navigation to %s failed: %w", url, err))
	}
	return nil
}

func (d *cdpDriver) Click(ctx context.Context, selector string) error {
	err := d.page.Click(selector, playwright.PageClickOptions{Timeout: timeoutMs(ctx)})
	if err != nil {
		return d.classify(fmt.Errorf("click %s failed: %w", selector, err))
	}
	return nil
}

func (d *cdpDriver) Type(ctx context.Context, selector, value string) error {
	err := d.page.Fill(selector, value, playwright.PageFillOptions{Timeout: timeoutMs(ctx)})
	if err != nil {
		return d.classify(fmt.Errorf("type into %s failed: %w", selector, err))
	}
	return nil
}

func (d *cdpDriver) Extract(ctx context.Context, selector string) (string, error) {
	element, err := d.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		Timeout: timeoutMs(ctx),
	})
	if err != nil {
		return "", d.classify(fmt.Errorf("extract %s failed: %w", selector, err))
	}
	content, err := element.TextContent()
	if err != nil {
		return "", d.classify(fmt.Errorf("text extraction from %s failed: %w", selector, err))
	}
	return content, nil
}

func (d *cdpDriver) WaitFor(ctx context.Context, selector string) error {
	_, err := d.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		Timeout: timeoutMs(ctx),
	})
	if err != nil {
		return d.classify(fmt.Errorf("wait for %s failed: %w", selector, err))
	}
	return nil
}

func (d *cdpDriver) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := d.page.Screenshot(playwright.PageScreenshotOptions{Timeout: timeoutMs(ctx)})
	if err != nil {
		return nil, d.classify(fmt.Errorf("screenshot failed: %w", err))
	}
	return data, nil
}

func (d *cdpDriver) Healthy() bool {
	return d.browser.IsConnected()
}

func (d *cdpDriver) Close() error {
	return d.browser.Close()
}

// classify promotes page errors to a crash when the connection is gone.
func (d *cdpDriver) classify(err error) error {
	if !d.browser.IsConnected() {
		return fmt.Errorf("%w: %v", ErrWorkerCrashed, err)
	}
	return err
}

// timeoutMs converts a context deadline into a Playwright millisecond
// timeout. Playwright calls are not context-aware, so the deadline is the
// cancellation mechanism for in-flight actions.
func timeoutMs(ctx context.Context) *float64 {
	deadline, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	ms := float64(time.Until(deadline).Milliseconds())
	if ms < 1 {
		ms = 1
	}
	return &ms
}
