package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/uniapi/uniapi/pkg/config"
)

const (
	maxInboundBody  = 8 << 20
	maxBufferedBody = 16 << 20
	loggedBodyLimit = 4 << 10
	streamCopyBuf   = 32 * 1024
)

// Headers never forwarded upstream: hop-by-hop per RFC 9110 plus the
// caller's credential headers, which are replaced by the provider's.
var scrubbedRequestHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"content-length":      {},
	"authorization":       {},
	"x-api-key":           {},
	"x-goog-api-key":      {},
}

// Hop-by-hop headers dropped from the upstream response; the local server
// re-emits framing headers based on how the body is re-sent.
var scrubbedResponseHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"content-length":      {},
}

type attemptError struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
}

// handleProxy is the entry point for every non-admin, non-catalog request:
// extract the model, rank candidates, and forward until one succeeds.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "failed to read request body"})
		return
	}
	defer r.Body.Close()

	payload, model := extractModel(body, r.URL.Query())
	rec := LogRecord{
		ID:        uuid.NewString(),
		Path:      r.URL.Path,
		Model:     model,
		CreatedAt: start.UTC(),
	}

	if model == "" {
		rec.Status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "model field required"})
		s.record(rec, start)
		return
	}

	wantStream := wantsStreaming(r, payload)
	candidates := s.pool.Candidates(r.Context(), model)
	if len(candidates) == 0 {
		rec.Status = http.StatusServiceUnavailable
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"detail": "no provider available for model"})
		s.record(rec, start)
		return
	}

	var failures []attemptError
	for _, cand := range candidates {
		outcome, reason := s.attempt(w, r, cand, model, payload, body, wantStream, start, &rec)
		switch outcome {
		case attemptServed:
			s.record(rec, start)
			return
		case attemptAborted:
			// Caller went away; nothing useful can be written.
			rec.Provider = cand.Name
			if rec.Status == 0 {
				rec.Status = 499
			}
			s.record(rec, start)
			return
		case attemptFailed:
			failures = append(failures, attemptError{Provider: cand.Name, Reason: reason})
		}
	}

	rec.Status = http.StatusBadGateway
	writeJSON(w, http.StatusBadGateway, map[string]any{
		"detail": "all providers failed",
		"errors": failures,
	})
	s.record(rec, start)
}

type attemptOutcome int

const (
	attemptServed attemptOutcome = iota
	attemptFailed
	attemptAborted
)

// attempt forwards the request to one candidate and classifies the result.
//
//	2xx/3xx        -> served, markSuccess
//	4xx except 429 -> client fault: forwarded verbatim, no cooldown, loop stops
//	5xx or 429     -> upstream fault: markFailure, next candidate
//	transport/timeout -> markFailure, next candidate
//	caller disconnect -> aborted, no cooldown
func (s *Server) attempt(w http.ResponseWriter, r *http.Request, cand config.ProviderConfig, model string, payload map[string]any, rawBody []byte, wantStream bool, reqStart time.Time, rec *LogRecord) (attemptOutcome, string) {
	effective, matched := s.resolver.Resolve(r.Context(), cand, model)
	if !matched {
		effective = model
	}
	outBody := rawBody
	if effective != model && payload != nil {
		// Rewrite only the model field; everything else passes through.
		rewritten := make(map[string]any, len(payload))
		for k, v := range payload {
			rewritten[k] = v
		}
		rewritten["model"] = effective
		if b, err := json.Marshal(rewritten); err == nil {
			outBody = b
		}
	}

	target := cand.BaseURL + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	timeout := time.Duration(s.store.Snapshot().Preferences.ModelTimeout) * time.Second
	attemptCtx, cancel := context.WithCancel(r.Context())
	defer cancel()
	var timedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer timer.Stop()

	req, err := http.NewRequestWithContext(attemptCtx, r.Method, target, bytes.NewReader(outBody))
	if err != nil {
		return attemptFailed, fmt.Sprintf("build request: %v", err)
	}
	copyRequestHeaders(req.Header, r.Header)
	injectCredential(req.Header, r.Header, cand.APIKey)
	req.ContentLength = int64(len(outBody))

	attemptStart := time.Now()
	resp, err := s.clients.Streaming().Do(req)
	if err != nil {
		if r.Context().Err() != nil {
			return attemptAborted, "caller disconnected"
		}
		reason := fmt.Sprintf("transport: %v", err)
		if timedOut.Load() {
			reason = fmt.Sprintf("timeout after %s", timeout)
		}
		s.pool.MarkFailure(cand.Name, reason)
		s.metrics.ObserveAttempt(cand.Name, "upstream_fault")
		s.metrics.ObserveProviderFailure(cand.Name)
		return attemptFailed, reason
	}

	headLatency := time.Since(attemptStart)
	status := resp.StatusCode
	switch {
	case status < 400:
		stream := wantStream || isEventStream(resp.Header)
		if stream {
			// The deadline bounded the wait for the head; a live SSE body
			// may run as long as the caller stays.
			timer.Stop()
		}
		s.pool.MarkSuccess(cand.Name, headLatency)
		s.metrics.ObserveAttempt(cand.Name, "success")
		rec.Provider = cand.Name
		rec.EffectiveModel = effective
		s.serveUpstream(w, resp, stream, reqStart, rec)
		return attemptServed, ""

	case status == http.StatusTooManyRequests || status >= 500:
		snippet := readSnippet(resp.Body)
		resp.Body.Close()
		reason := fmt.Sprintf("status %d", status)
		if snippet != "" {
			reason = fmt.Sprintf("status %d: %s", status, snippet)
		}
		s.pool.MarkFailure(cand.Name, reason)
		s.metrics.ObserveAttempt(cand.Name, "upstream_fault")
		s.metrics.ObserveProviderFailure(cand.Name)
		return attemptFailed, reason

	default:
		// Client fault: the caller gets the upstream response verbatim and
		// no other provider is tried.
		s.pool.MarkSuccess(cand.Name, headLatency)
		s.metrics.ObserveAttempt(cand.Name, "client_fault")
		rec.Provider = cand.Name
		rec.EffectiveModel = effective
		s.serveUpstream(w, resp, false, reqStart, rec)
		return attemptServed, ""
	}
}

// serveUpstream relays status, headers, and body to the caller and fills
// the log record. Streaming copies chunk by chunk with a flush per chunk so
// the byte stream reaches the caller as it arrives.
func (s *Server) serveUpstream(w http.ResponseWriter, resp *http.Response, stream bool, reqStart time.Time, rec *LogRecord) {
	defer resp.Body.Close()
	rec.Status = resp.StatusCode

	if !stream {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody))
		if err != nil {
			log.Warn("upstream body read failed", "provider", rec.Provider, "err", err)
		}
		copyResponseHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(body)
		counts := parseUsage(body)
		rec.PromptTokens = counts.Prompt
		rec.CompletionTokens = counts.Completion
		rec.TotalTokens = counts.Total
		rec.ResponseBody = truncateBody(body)
		return
	}

	rec.Streaming = true
	rec.ResponseBody = "<streamed>"
	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	scanner := &sseUsageScanner{}
	buf := make([]byte, streamCopyBuf)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if rec.FirstTokenMS == 0 {
				rec.FirstTokenMS = time.Since(reqStart).Milliseconds()
				if rec.FirstTokenMS == 0 {
					rec.FirstTokenMS = 1
				}
			}
			scanner.Consume(buf[:n])
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				log.Debug("stream ended early", "provider", rec.Provider, "err", readErr)
			}
			break
		}
	}
	counts := scanner.Counts()
	rec.PromptTokens = counts.Prompt
	rec.CompletionTokens = counts.Completion
	rec.TotalTokens = counts.Total
}

// record finalizes the log record: ring, metrics, structured log, and the
// optional sqlite archive. Credentials and bodies are never logged.
func (s *Server) record(rec LogRecord, start time.Time) {
	rec.LatencyMS = time.Since(start).Milliseconds()
	s.ring.Push(rec)
	s.metrics.ObserveRequest(rec.Status, rec.Streaming, time.Since(start))
	log.Info("request",
		"id", rec.ID,
		"path", rec.Path,
		"model", rec.Model,
		"provider", rec.Provider,
		"status", rec.Status,
		"latency_ms", rec.LatencyMS,
		"streaming", rec.Streaming,
	)
	s.archive(rec)
}

func extractModel(body []byte, query url.Values) (map[string]any, string) {
	var payload map[string]any
	if len(body) > 0 && json.Unmarshal(body, &payload) == nil {
		if m, ok := payload["model"].(string); ok && strings.TrimSpace(m) != "" {
			return payload, strings.TrimSpace(m)
		}
		return payload, strings.TrimSpace(query.Get("model"))
	}
	return nil, strings.TrimSpace(query.Get("model"))
}

// wantsStreaming checks the caller-side streaming signals. The upstream
// Content-Type can still force streaming on later.
func wantsStreaming(r *http.Request, payload map[string]any) bool {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return true
	}
	if payload != nil {
		if v, ok := payload["stream"].(bool); ok && v {
			return true
		}
		if v, ok := payload["streaming"].(bool); ok && v {
			return true
		}
	}
	q := r.URL.Query()
	return isTruthy(q.Get("stream")) || isTruthy(q.Get("streaming"))
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func isEventStream(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Content-Type")), "text/event-stream")
}

func copyRequestHeaders(dst, src http.Header) {
	for k, vals := range src {
		if _, drop := scrubbedRequestHeaders[strings.ToLower(k)]; drop {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

// injectCredential sets the upstream key using the same scheme the caller
// used; a caller with no recognized scheme gets a Bearer header.
func injectCredential(dst, callerHeaders http.Header, upstreamKey string) {
	_, scheme := callerCredential(callerHeaders)
	switch scheme {
	case schemeXAPIKey:
		dst.Set(headerXAPIKey, upstreamKey)
	case schemeGoogAPIKey:
		dst.Set(headerGoogAPIKey, upstreamKey)
	default:
		dst.Set(headerAuthorization, "Bearer "+upstreamKey)
	}
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vals := range src {
		if _, drop := scrubbedResponseHeaders[strings.ToLower(k)]; drop {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func readSnippet(body io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(body, 1024))
	return strings.TrimSpace(string(b))
}

func truncateBody(b []byte) string {
	if len(b) > loggedBodyLimit {
		return string(b[:loggedBodyLimit])
	}
	return string(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
