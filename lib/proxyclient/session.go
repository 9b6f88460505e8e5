package proxyclient

import (
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"motortrade-backend/lib/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"golang.org/x/net/publicsuffix"
)

// Session is one reusable network identity: a resty client with its own
// cookie jar and connection pool, bound to a single proxy endpoint. Sessions
// are replaced, never mutated in place, except for proxy-only rotation which
// swaps the upstream proxy while keeping cookies.
//
// The proxy is installed on the inner *http.Transport before the bypass
// wrapper is applied; once wrapped the client's transport is no longer a
// *http.Transport, so resty's SetProxy cannot reach it.
type Session struct {
	Http      *resty.Client
	CreatedAt time.Time

	// inner is the real transport beneath the bypass wrapper, kept so
	// proxy rotation can drop connections dialed through the old proxy.
	inner *http.Transport

	mu       sync.Mutex
	endpoint Endpoint
	proxyURL *url.URL
}

func newSession(proxy Endpoint, timeout time.Duration) *Session {
	s := &Session{CreatedAt: time.Now()}
	s.bind(proxy)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = s.selectProxy
	s.inner = transport

	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(3))
	client.SetTransport(cloudflarebp.AddCloudFlareByPass(transport))

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err == nil {
		client.SetCookieJar(jar)
	}

	telemetry.InstrumentResty(client, "proxyclient/http")

	s.Http = client
	return s
}

// selectProxy is the transport's Proxy callback, evaluated per request so
// in-flight requests observe a rotation without a transport swap.
func (s *Session) selectProxy(*http.Request) (*url.URL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxyURL, nil
}

func (s *Session) bind(proxy Endpoint) {
	var u *url.URL
	if !proxy.IsZero() {
		parsed, err := url.Parse(proxy.URL())
		if err != nil {
			slog.Warn("unusable proxy endpoint, going direct", "proxy", proxy.Name, "err", err)
		} else {
			u = parsed
		}
	}

	s.mu.Lock()
	s.endpoint = proxy
	s.proxyURL = u
	s.mu.Unlock()
}

// Endpoint reports the proxy the session is currently bound to.
func (s *Session) Endpoint() Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// setProxy rebinds the session to a different proxy without discarding
// cookies. Idle connections tunneled through the previous proxy are dropped
// so subsequent requests dial through the new one.
func (s *Session) setProxy(proxy Endpoint) {
	s.bind(proxy)
	s.inner.CloseIdleConnections()
	slog.Debug("session proxy switched", "proxy", proxy.Name, "label", proxy.Label)
}

// close releases the previous identity's idle connections. In-flight
// requests holding this session complete independently.
func (s *Session) close() {
	s.Http.GetClient().CloseIdleConnections()
}
