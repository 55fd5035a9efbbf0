package headless

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/emblem-rarity/internal/extract"
)

// blockedTypes are failed at the Fetch domain when blocking is on.
var blockedTypes = []network.ResourceType{
	network.ResourceTypeImage,
	network.ResourceTypeFont,
	network.ResourceTypeStylesheet,
	network.ResourceTypeMedia,
}

const innerTextJS = `document.body ? document.body.innerText : ""`

// launchChrome starts the allocator and the long-lived browser context.
func (s *Session) launchChrome(context.Context) (context.Context, context.CancelFunc, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if s.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if s.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(s.cfg.UserAgent))
	}
	if s.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(s.cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(s.logger.Sugar().Debugf))
	cancel := func() {
		browserCancel()
		allocCancel()
	}
	// The first Run starts the browser and binds its lifetime to browserCtx.
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("launch chrome: %w", err)
	}
	return browserCtx, cancel, nil
}

// openTab creates a tab in the shared browser that also closes when ctx ends.
func (s *Session) openTab(ctx, browser context.Context, block bool) (tab, context.CancelFunc, error) {
	tabCtx, cancelTab := chromedp.NewContext(browser)
	stop := context.AfterFunc(ctx, cancelTab)
	closeTab := func() {
		stop()
		cancelTab()
	}

	t := &cdpTab{ctx: tabCtx, session: s, meta: newResponseMeta()}
	chromedp.ListenTarget(tabCtx, t.meta.captureEvent)
	if block {
		chromedp.ListenTarget(tabCtx, t.blockEvent)
	}
	if err := chromedp.Run(tabCtx, t.setupAction(block)); err != nil {
		closeTab()
		return nil, nil, fmt.Errorf("open tab: %w", err)
	}
	return t, closeTab, nil
}

type cdpTab struct {
	ctx     context.Context
	session *Session
	meta    *responseMeta
}

func (t *cdpTab) setupAction(block bool) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if ua := t.session.cfg.UserAgent; ua != "" {
			if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if !block {
			return nil
		}
		patterns := make([]*fetch.RequestPattern, 0, len(blockedTypes))
		for _, rt := range blockedTypes {
			patterns = append(patterns, &fetch.RequestPattern{URLPattern: "*", ResourceType: rt})
		}
		if err := fetch.Enable().WithPatterns(patterns).Do(ctx); err != nil {
			return fmt.Errorf("enable fetch domain: %w", err)
		}
		return nil
	})
}

// blockEvent answers paused requests. Only blocked types are paused, so every
// paused request is failed; anything else is let through.
func (t *cdpTab) blockEvent(ev any) {
	paused, ok := ev.(*fetch.EventRequestPaused)
	if !ok {
		return
	}
	go func() {
		c := chromedp.FromContext(t.ctx)
		if c == nil || c.Target == nil {
			return
		}
		exec := cdp.WithExecutor(t.ctx, c.Target)
		var err error
		if isBlocked(paused.ResourceType) {
			err = fetch.FailRequest(paused.RequestID, network.ErrorReasonBlockedByClient).Do(exec)
		} else {
			err = fetch.ContinueRequest(paused.RequestID).Do(exec)
		}
		if err != nil && t.ctx.Err() == nil {
			t.session.logger.Debug("answer paused request", zap.Error(err))
		}
	}()
}

func (t *cdpTab) navigate(_ context.Context, url string) error {
	t.meta.reset()
	ctx, cancel := context.WithTimeout(t.ctx, t.session.cfg.NavigationTimeout)
	defer cancel()
	if err := chromedp.Run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (t *cdpTab) reload(_ context.Context) error {
	t.meta.reset()
	ctx, cancel := context.WithTimeout(t.ctx, t.session.cfg.NavigationTimeout)
	defer cancel()
	if err := chromedp.Run(ctx, chromedp.Reload()); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	return nil
}

func (t *cdpTab) snapshot(_ context.Context) (extract.Page, error) {
	ctx, cancel := context.WithTimeout(t.ctx, t.session.cfg.NavigationTimeout)
	defer cancel()
	var p extract.Page
	err := chromedp.Run(ctx,
		chromedp.Title(&p.Title),
		chromedp.OuterHTML("html", &p.HTML, chromedp.ByQuery),
		chromedp.Evaluate(innerTextJS, &p.Text),
	)
	if err != nil {
		return extract.Page{}, fmt.Errorf("read page: %w", err)
	}
	return p, nil
}

func (t *cdpTab) status() int {
	return t.meta.statusCode()
}

func isBlocked(rt network.ResourceType) bool {
	for _, b := range blockedTypes {
		if rt == b {
			return true
		}
	}
	return false
}

// responseMeta keeps the status of the first document response after a
// navigation, which is the main frame.
type responseMeta struct {
	mu     sync.RWMutex
	status int
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.status = 0
	m.mu.Unlock()
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == 0 {
		m.status = int(event.Response.Status)
	}
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) statusCode() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}
