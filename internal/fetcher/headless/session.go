// Package headless drives one shared Chrome session to read item pages.
package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/emblem-rarity/internal/extract"
	"github.com/JakeFAU/emblem-rarity/internal/metrics"
	"github.com/JakeFAU/emblem-rarity/internal/rarity"
)

// ErrSessionUnavailable is returned when the browser cannot be launched.
var ErrSessionUnavailable = errors.New("browser session unavailable")

// Config controls the behavior of the headless session.
type Config struct {
	HomeURL            string
	ItemURLTemplate    string
	UserAgent          string
	ExecPath           string
	Headless           bool
	NavigationTimeout  time.Duration
	ChallengeDelay     time.Duration
	PollInterval       time.Duration
	PollTimeout        time.Duration
	BlockResources     bool
	RetryWithResources bool
	Strategies         []extract.Strategy
}

// Detector recognizes challenge interstitials.
type Detector interface {
	IsChallenge(title string, html []byte) bool
}

// tab is one page scoped to a single job.
type tab interface {
	navigate(ctx context.Context, url string) error
	reload(ctx context.Context) error
	snapshot(ctx context.Context) (extract.Page, error)
	status() int
}

type (
	launchFunc func(ctx context.Context) (context.Context, context.CancelFunc, error)
	tabFunc    func(ctx, browser context.Context, block bool) (tab, context.CancelFunc, error)
)

// Session lazily launches the browser on first use and reuses it for the
// process lifetime. A crashed browser is relaunched on the next job.
type Session struct {
	cfg      Config
	detector Detector
	logger   *zap.Logger

	mu           sync.Mutex
	browser      context.Context
	closeBrowser context.CancelFunc

	launch launchFunc
	newTab tabFunc
}

// NewSession builds a session; nothing is launched until Ready or Fetch.
func NewSession(cfg Config, detector Detector, logger *zap.Logger) *Session {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 18 * time.Second
	}
	if len(cfg.Strategies) == 0 {
		cfg.Strategies = extract.Default
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{cfg: cfg, detector: detector, logger: logger.Named("headless")}
	s.launch = s.launchChrome
	s.newTab = s.openTab
	return s
}

// Name identifies the source in logs and metrics.
func (s *Session) Name() string {
	return "headless"
}

// Ready launches the browser if needed.
func (s *Session) Ready(ctx context.Context) error {
	_, err := s.ensure(ctx)
	return err
}

// Close shuts the browser down.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeBrowser != nil {
		s.closeBrowser()
		s.closeBrowser = nil
		s.browser = nil
	}
}

func (s *Session) ensure(ctx context.Context) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser != nil && s.browser.Err() == nil {
		return s.browser, nil
	}
	if s.closeBrowser != nil {
		s.logger.Warn("browser context gone, relaunching")
		s.closeBrowser()
	}
	browser, cancel, err := s.launch(ctx)
	if err != nil {
		s.browser, s.closeBrowser = nil, nil
		return nil, fmt.Errorf("%w: %w", ErrSessionUnavailable, err)
	}
	s.browser, s.closeBrowser = browser, cancel
	s.warmUp(ctx, browser)
	return browser, nil
}

// warmUp visits the home page once so later item pages carry its cookies.
func (s *Session) warmUp(ctx context.Context, browser context.Context) {
	if s.cfg.HomeURL == "" {
		return
	}
	t, closeTab, err := s.newTab(ctx, browser, s.cfg.BlockResources)
	if err != nil {
		s.logger.Warn("warm-up tab failed", zap.Error(err))
		return
	}
	defer closeTab()
	if err := t.navigate(ctx, s.cfg.HomeURL); err != nil {
		s.logger.Warn("warm-up navigation failed", zap.String("url", s.cfg.HomeURL), zap.Error(err))
		return
	}
	s.logger.Info("browser session ready", zap.String("home", s.cfg.HomeURL), zap.Int("status", t.status()))
}

// ItemURL renders the page address for an item.
func (s *Session) ItemURL(itemID int64) string {
	return fmt.Sprintf(s.cfg.ItemURLTemplate, itemID)
}

// Fetch resolves one item. Target failures are reported through Reason;
// only a dead session sets Err.
func (s *Session) Fetch(ctx context.Context, itemID int64) rarity.Result {
	start := time.Now()
	url := s.ItemURL(itemID)
	res := rarity.Result{ItemID: itemID, Source: url}
	browser, err := s.ensure(ctx)
	if err != nil {
		res.Err = err
		res.Reason = rarity.ReasonInternal
		return res
	}

	out := s.attempt(ctx, browser, url, s.cfg.BlockResources)
	if out.reason == rarity.ReasonNoMatch && s.cfg.BlockResources && s.cfg.RetryWithResources && ctx.Err() == nil {
		s.logger.Debug("no match with resources blocked, retrying on a fresh tab", zap.Int64("item_id", itemID))
		out = s.attempt(ctx, browser, url, false)
	}

	res.Status = out.status
	res.Reason = out.reason
	if out.reason == "" {
		res.Percent = rarity.Float(out.percent)
		res.Label = rarity.LabelConfirmed
	}
	metrics.ObserveScrape(url, res.Reason, time.Since(start))
	s.logger.Debug("item scraped",
		zap.Int64("item_id", itemID),
		zap.Int("status", res.Status),
		zap.String("reason", res.Reason),
		zap.String("strategy", out.strategy),
		zap.Duration("duration", time.Since(start)))
	return res
}

type outcome struct {
	percent  float64
	strategy string
	status   int
	reason   string
}

func (s *Session) attempt(ctx context.Context, browser context.Context, url string, block bool) outcome {
	t, closeTab, err := s.newTab(ctx, browser, block)
	if err != nil {
		s.logger.Warn("open tab failed", zap.Error(err))
		return outcome{reason: failureReason(err)}
	}
	defer closeTab()
	return s.scrape(ctx, t, url)
}

// scrape runs navigate, challenge handling and polling on one tab.
func (s *Session) scrape(ctx context.Context, t tab, url string) outcome {
	if err := t.navigate(ctx, url); err != nil {
		return loadFailure(t, err)
	}
	page, err := t.snapshot(ctx)
	if err != nil {
		return outcome{status: t.status(), reason: failureReason(err)}
	}
	if s.isChallenge(page) {
		s.logger.Info("challenge detected, waiting before reload", zap.String("url", url), zap.Duration("delay", s.cfg.ChallengeDelay))
		if err := sleep(ctx, s.cfg.ChallengeDelay); err != nil {
			return outcome{status: t.status(), reason: rarity.ReasonTimeout}
		}
		if err := t.reload(ctx); err != nil {
			return loadFailure(t, err)
		}
		page, err = t.snapshot(ctx)
		if err != nil {
			return outcome{status: t.status(), reason: failureReason(err)}
		}
		if s.isChallenge(page) {
			return outcome{status: t.status(), reason: rarity.ReasonChallenge}
		}
	}
	if status := t.status(); status >= 400 {
		return outcome{status: status, reason: rarity.HTTPReason(status)}
	}

	value, strategy, err := s.poll(ctx, t, page)
	switch {
	case err != nil:
		return outcome{status: t.status(), reason: failureReason(err)}
	case strategy == "":
		return outcome{status: t.status(), reason: rarity.ReasonNoMatch}
	default:
		return outcome{percent: value, strategy: strategy, status: t.status()}
	}
}

// poll re-reads the page until a strategy matches or PollTimeout elapses.
func (s *Session) poll(ctx context.Context, t tab, first extract.Page) (float64, string, error) {
	deadline := time.Now().Add(s.cfg.PollTimeout)
	page := first
	for {
		if v, name, ok := extract.Extract(page, s.cfg.Strategies); ok {
			return v, name, nil
		}
		if time.Now().Add(s.cfg.PollInterval).After(deadline) {
			return 0, "", nil
		}
		if err := sleep(ctx, s.cfg.PollInterval); err != nil {
			return 0, "", err
		}
		next, err := t.snapshot(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return 0, "", err
			}
			s.logger.Debug("page snapshot failed while polling", zap.Error(err))
			continue
		}
		page = next
	}
}

func (s *Session) isChallenge(p extract.Page) bool {
	return s.detector != nil && s.detector.IsChallenge(p.Title, []byte(p.HTML))
}

// loadFailure classifies a failed navigation or reload. Chrome fails the load
// of an empty error document (net::ERR_HTTP_RESPONSE_CODE_FAILURE), so a
// captured error status wins over the navigation error.
func loadFailure(t tab, err error) outcome {
	if status := t.status(); status >= 400 {
		return outcome{status: status, reason: rarity.HTTPReason(status)}
	}
	return outcome{status: t.status(), reason: failureReason(err)}
}

func failureReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return rarity.ReasonTimeout
	}
	return rarity.ReasonNavigation
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
