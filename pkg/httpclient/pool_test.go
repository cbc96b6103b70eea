package httpclient

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestConfigureRebuildsOnlyOnChange(t *testing.T) {
	p := NewPool("", 5*time.Second)
	first := p.Buffered()
	p.Configure("", 5*time.Second)
	if p.Buffered() != first {
		t.Fatal("unchanged settings rebuilt the client")
	}
	p.Configure("", 10*time.Second)
	if p.Buffered() == first {
		t.Fatal("timeout change did not rebuild the client")
	}
	if p.Timeout() != 10*time.Second {
		t.Fatalf("timeout = %v", p.Timeout())
	}
	p.Configure("http://127.0.0.1:3128", 10*time.Second)
	if p.Buffered().Timeout != 10*time.Second {
		t.Fatalf("buffered timeout = %v", p.Buffered().Timeout)
	}
	if p.Streaming().Timeout != 0 {
		t.Fatalf("streaming client must not carry an overall timeout, got %v", p.Streaming().Timeout)
	}
	p.Close()
}

func TestBufferedDeadlineFires(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()

	p := NewPool("", 50*time.Millisecond)
	defer p.Close()
	resp, err := p.Buffered().Get(slow.URL)
	if err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		t.Fatal("expected deadline error")
	}
}
