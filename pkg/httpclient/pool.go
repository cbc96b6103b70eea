package httpclient

import (
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"
)

// Pool owns the outbound HTTP clients. Two clients share one pooled
// transport: the buffered client carries an overall deadline per attempt,
// the streaming client bounds only the wait for the response head so a
// long-lived SSE body is never cut off by the attempt timeout.
//
// Configure swaps both clients when the proxy URL or the timeout changes.
// In-flight requests keep the retired transport alive until they finish;
// CloseIdleConnections only drops its parked connections.
type Pool struct {
	cur atomic.Pointer[clientSet]
}

type clientSet struct {
	proxyURL  string
	timeout   time.Duration
	transport *http.Transport
	buffered  *http.Client
	streaming *http.Client
}

func NewPool(proxyURL string, timeout time.Duration) *Pool {
	p := &Pool{}
	p.cur.Store(build(proxyURL, timeout))
	return p
}

func build(proxyURL string, timeout time.Duration) *clientSet {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ResponseHeaderTimeout: timeout,
		ForceAttemptHTTP2:     true,
	}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			tr.Proxy = http.ProxyURL(u)
		} else {
			log.Warn("invalid proxy url ignored", "err", err)
		}
	}
	return &clientSet{
		proxyURL:  proxyURL,
		timeout:   timeout,
		transport: tr,
		buffered:  &http.Client{Transport: tr, Timeout: timeout},
		streaming: &http.Client{Transport: tr},
	}
}

// Configure rebuilds the clients if the proxy or timeout changed.
func (p *Pool) Configure(proxyURL string, timeout time.Duration) {
	old := p.cur.Load()
	if old != nil && old.proxyURL == proxyURL && old.timeout == timeout {
		return
	}
	p.cur.Store(build(proxyURL, timeout))
	if old != nil {
		old.transport.CloseIdleConnections()
	}
	log.Debug("upstream client pool rebuilt", "timeout", timeout, "proxy_set", proxyURL != "")
}

// Buffered returns the client with the full per-attempt deadline.
func (p *Pool) Buffered() *http.Client { return p.cur.Load().buffered }

// Streaming returns the client that bounds only the response head.
func (p *Pool) Streaming() *http.Client { return p.cur.Load().streaming }

func (p *Pool) Timeout() time.Duration { return p.cur.Load().timeout }

func (p *Pool) Close() {
	if c := p.cur.Load(); c != nil {
		c.transport.CloseIdleConnections()
	}
}
