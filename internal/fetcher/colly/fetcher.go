// Package collyfetcher reads item pages from a secondary site over plain
// HTTP. It is the fallback source when the headless session finds nothing.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/emblem-rarity/internal/extract"
	"github.com/JakeFAU/emblem-rarity/internal/metrics"
	"github.com/JakeFAU/emblem-rarity/internal/rarity"
)

// Config controls collector behavior.
type Config struct {
	ItemURLTemplate string
	UserAgent       string
	Timeout         time.Duration
	Strategies      []extract.Strategy
}

// Detector recognizes challenge interstitials.
type Detector interface {
	IsChallenge(title string, html []byte) bool
}

// Fetcher resolves items with a Colly collector.
type Fetcher struct {
	cfg           Config
	detector      Detector
	logger        *zap.Logger
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type page struct {
	status int
	body   []byte
	err    error
}

// New builds a Fetcher.
func New(cfg Config, detector Detector, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if len(cfg.Strategies) == 0 {
		cfg.Strategies = extract.Default
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	return &Fetcher{
		cfg:           cfg,
		detector:      detector,
		logger:        logger.Named("fallback"),
		transport:     newHTTPTransport(),
		baseCollector: c,
	}
}

// WithTransport replaces the HTTP transport used by every fetch.
func (f *Fetcher) WithTransport(rt http.RoundTripper) *Fetcher {
	f.transport = rt
	return f
}

// Name identifies the source in logs and metrics.
func (f *Fetcher) Name() string {
	return "fallback"
}

// ItemURL renders the page address for an item.
func (f *Fetcher) ItemURL(itemID int64) string {
	return fmt.Sprintf(f.cfg.ItemURLTemplate, itemID)
}

// Fetch performs one GET and extracts the percentage from the static markup.
func (f *Fetcher) Fetch(ctx context.Context, itemID int64) rarity.Result {
	start := time.Now()
	url := f.ItemURL(itemID)
	res := rarity.Result{ItemID: itemID, Source: url}

	var p page
	collector := f.buildCollector(&p)
	if err := f.runCollector(ctx, collector, url, &p); err != nil {
		res.Reason = classify(err)
		f.logger.Debug("fallback fetch failed", zap.String("url", url), zap.Error(err))
		metrics.ObserveScrape(url, res.Reason, time.Since(start))
		return res
	}

	res.Status = p.status
	doc := extract.FromHTML("", string(p.body))
	switch {
	case f.detector != nil && f.detector.IsChallenge(doc.Title, p.body):
		res.Reason = rarity.ReasonChallenge
	case p.status >= 400:
		res.Reason = rarity.HTTPReason(p.status)
	default:
		if v, _, ok := extract.Extract(doc, f.cfg.Strategies); ok {
			res.Percent = rarity.Float(v)
			res.Label = rarity.LabelConfirmed
		} else {
			res.Reason = rarity.ReasonNoMatch
		}
	}
	metrics.ObserveScrape(url, res.Reason, time.Since(start))
	return res
}

func (f *Fetcher) buildCollector(p *page) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)
	f.configureCollectorHooks(collector, p)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, p *page) {
	hooks.OnResponse(func(r *colly.Response) {
		p.status = r.StatusCode
		p.body = append([]byte(nil), r.Body...)
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			p.status = r.StatusCode
			p.body = append([]byte(nil), r.Body...)
			return
		}
		p.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, p *page) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("colly fetch canceled: %w", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if p.err != nil {
			return fmt.Errorf("colly response failed: %w", p.err)
		}
		if err != nil && p.status == 0 {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func classify(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return rarity.ReasonTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return rarity.ReasonTimeout
	default:
		return rarity.ReasonNavigation
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
