package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/gocolly/colly/v2"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/emblem-rarity/internal/headless/detector"
	"github.com/JakeFAU/emblem-rarity/internal/rarity"
)

const itemURL = "http://emblems.test/emblem?id=77"

func newFetcher(transport http.RoundTripper) *Fetcher {
	return New(Config{ItemURLTemplate: "http://emblems.test/emblem?id=%d", UserAgent: "test-agent"},
		detector.NewHeuristic(), zap.NewNop()).WithTransport(transport)
}

func htmlResponder(status int, body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(status, body)
	resp.Header.Set("Content-Type", "text/html")
	return httpmock.ResponderFromResponse(resp)
}

func TestFetchExtractsFoundBy(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", itemURL, htmlResponder(200,
		`<html><head><title>Emblem</title></head><body><p>Found by 1.4% of players</p></body></html>`))

	res := newFetcher(transport).Fetch(context.Background(), 77)
	require.NoError(t, res.Err)
	require.Empty(t, res.Reason)
	require.InDelta(t, 1.4, *res.Percent, 1e-9)
	require.Equal(t, rarity.LabelConfirmed, res.Label)
	require.Equal(t, itemURL, res.Source)
	require.Equal(t, 1, transport.GetTotalCallCount())
}

func TestFetchHTTPError(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", itemURL, htmlResponder(404, "<html><body>missing</body></html>"))

	res := newFetcher(transport).Fetch(context.Background(), 77)
	require.Nil(t, res.Percent)
	require.Equal(t, 404, res.Status)
	require.Equal(t, "http_404", res.Reason)
}

func TestFetchChallengePage(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", itemURL, htmlResponder(403,
		`<html><head><title>Just a moment...</title></head><body></body></html>`))

	res := newFetcher(transport).Fetch(context.Background(), 77)
	require.Equal(t, rarity.ReasonChallenge, res.Reason)
	require.True(t, res.Blocking())
}

func TestFetchNoMatch(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", itemURL, htmlResponder(200, "<html><body><h1>Emblem</h1></body></html>"))

	res := newFetcher(transport).Fetch(context.Background(), 77)
	require.Equal(t, rarity.ReasonNoMatch, res.Reason)
	require.Equal(t, 200, res.Status)
}

func TestFetchTransportError(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", itemURL, httpmock.NewErrorResponder(errors.New("connection reset")))

	res := newFetcher(transport).Fetch(context.Background(), 77)
	require.Equal(t, rarity.ReasonNavigation, res.Reason)
	require.NoError(t, res.Err)
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", itemURL, htmlResponder(200, "<html></html>"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := newFetcher(transport).Fetch(ctx, 77)
	require.Equal(t, rarity.ReasonTimeout, res.Reason)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil, nil)
	hooks := &stubHooks{}
	var p page
	f.configureCollectorHooks(hooks, &p)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	hooks.onResponse(&colly.Response{StatusCode: http.StatusCreated, Body: []byte("body")})
	require.Equal(t, http.StatusCreated, p.status)
	require.Equal(t, "body", string(p.body))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, p.err, "boom")
}

func TestClassify(t *testing.T) {
	t.Parallel()

	require.Equal(t, rarity.ReasonTimeout, classify(context.DeadlineExceeded))
	require.Equal(t, rarity.ReasonNavigation, classify(errors.New("dns")))
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
