package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"upwatch/internal/model"
	logx "upwatch/pkg/logx"
)

func TestProbeClassification(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusOK)
		case "/created":
			w.WriteHeader(http.StatusCreated)
		case "/boom":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/gone":
			w.WriteHeader(http.StatusNotFound)
		case "/moved":
			http.Redirect(w, r, "/ok", http.StatusFound)
		}
	}))
	t.Cleanup(srv.Close)

	h := NewHTTP(Config{Timeout: 5 * time.Second}, logx.Nop())

	cases := []struct {
		name       string
		path       string
		wantStatus model.Status
		wantCode   int
		wantDetail string
	}{
		{"2xx is online", "/ok", model.StatusOnline, 200, "up"},
		{"any 2xx is online", "/created", model.StatusOnline, 201, "up"},
		{"5xx is offline server-error", "/boom", model.StatusOffline, 503, "server-error"},
		{"4xx is offline", "/gone", model.StatusOffline, 404, "http-404"},
		{"redirect resolves to target", "/moved", model.StatusOnline, 200, "up"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := h.Probe(context.Background(), model.Check{ID: "c1", URL: srv.URL + tc.path})
			if res.Status != tc.wantStatus {
				t.Fatalf("Status = %s, want %s", res.Status, tc.wantStatus)
			}
			if res.StatusCode != tc.wantCode {
				t.Fatalf("StatusCode = %d, want %d", res.StatusCode, tc.wantCode)
			}
			if res.DetailedStatus != tc.wantDetail {
				t.Fatalf("DetailedStatus = %q, want %q", res.DetailedStatus, tc.wantDetail)
			}
		})
	}
}

func TestProbeTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	h := NewHTTP(Config{Timeout: 50 * time.Millisecond}, logx.Nop())
	res := h.Probe(context.Background(), model.Check{ID: "c1", URL: srv.URL})

	if res.Status != model.StatusOffline {
		t.Fatalf("Status = %s, want offline", res.Status)
	}
	if res.StatusCode != model.CodeTimeout {
		t.Fatalf("StatusCode = %d, want timeout code", res.StatusCode)
	}
	if !res.Timeout() {
		t.Fatal("Timeout() = false, want true")
	}
}

func TestProbeUnreachable(t *testing.T) {
	t.Parallel()

	// Nothing listens on port 1; connect is refused fast.
	h := NewHTTP(Config{Timeout: 2 * time.Second}, logx.Nop())
	res := h.Probe(context.Background(), model.Check{ID: "c1", URL: "http://127.0.0.1:1"})

	if res.Status != model.StatusOffline {
		t.Fatalf("Status = %s, want offline", res.Status)
	}
	if res.StatusCode != model.CodeUnreachable {
		t.Fatalf("StatusCode = %d, want unreachable code", res.StatusCode)
	}
	if res.Err == "" {
		t.Fatal("Err must carry the transport error")
	}
}

func TestProbeInvalidURL(t *testing.T) {
	t.Parallel()

	h := NewHTTP(Config{}, logx.Nop())
	res := h.Probe(context.Background(), model.Check{ID: "c1", URL: "://not-a-url"})
	if res.Status != model.StatusOffline || res.DetailedStatus != "invalid-url" {
		t.Fatalf("result = %+v, want invalid-url offline", res)
	}
}

func TestProbeTLSExpiryCaptured(t *testing.T) {
	t.Parallel()

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	h := NewHTTP(Config{Timeout: 5 * time.Second}, logx.Nop())
	h.client = srv.Client() // trust the test certificate
	res := h.Probe(context.Background(), model.Check{ID: "c1", URL: srv.URL})

	if res.Status != model.StatusOnline {
		t.Fatalf("Status = %s, want online", res.Status)
	}
	if res.SSLExpiresAt <= time.Now().UnixMilli() {
		t.Fatalf("SSLExpiresAt = %d, want a future expiry", res.SSLExpiresAt)
	}
}
