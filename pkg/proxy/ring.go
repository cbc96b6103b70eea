package proxy

import (
	"sync"
	"time"
)

// LogRecord is one completed caller request as kept in the ring and
// streamed to the admin log tail. Credentials and request bodies are never
// part of it.
type LogRecord struct {
	ID               string    `json:"id"`
	Path             string    `json:"path"`
	Model            string    `json:"model,omitempty"`
	EffectiveModel   string    `json:"effective_model,omitempty"`
	Provider         string    `json:"provider,omitempty"`
	Streaming        bool      `json:"is_streaming"`
	Status           int       `json:"status"`
	LatencyMS        int64     `json:"latency_ms"`
	FirstTokenMS     int64     `json:"first_token_ms,omitempty"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	TotalTokens      int       `json:"total_tokens,omitempty"`
	ResponseBody     string    `json:"response_body,omitempty"`
	Translated       bool      `json:"translated"`
	CreatedAt        time.Time `json:"created_at"`
}

// LogRing is a bounded ring of recent records plus a fan-out to live
// subscribers (the admin websocket tail). A slow subscriber drops records
// rather than blocking the request path.
type LogRing struct {
	mu     sync.Mutex
	buf    []LogRecord
	next   int
	filled bool
	subs   map[chan LogRecord]struct{}
}

func NewLogRing(capacity int) *LogRing {
	if capacity <= 0 {
		capacity = 500
	}
	return &LogRing{
		buf:  make([]LogRecord, capacity),
		subs: map[chan LogRecord]struct{}{},
	}
}

func (r *LogRing) Push(rec LogRecord) {
	r.mu.Lock()
	r.buf[r.next] = rec
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.filled = true
	}
	for ch := range r.subs {
		select {
		case ch <- rec:
		default:
		}
	}
	r.mu.Unlock()
}

// Recent returns up to limit records, newest first.
func (r *LogRing) Recent(limit int) []LogRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := r.next
	if r.filled {
		size = len(r.buf)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]LogRecord, 0, limit)
	for i := 0; i < limit; i++ {
		idx := r.next - 1 - i
		if idx < 0 {
			idx += len(r.buf)
		}
		out = append(out, r.buf[idx])
	}
	return out
}

func (r *LogRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filled {
		return len(r.buf)
	}
	return r.next
}

// Subscribe registers a live tail. The cancel function must be called when
// the subscriber goes away.
func (r *LogRing) Subscribe() (<-chan LogRecord, func()) {
	ch := make(chan LogRecord, 16)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()
	return ch, func() {
		r.mu.Lock()
		if _, ok := r.subs[ch]; ok {
			delete(r.subs, ch)
			close(ch)
		}
		r.mu.Unlock()
	}
}
