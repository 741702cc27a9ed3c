package http

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// markerHandler returns an http.Handler that writes a specific marker string.
// Used in routing tests to verify which handler received the request.
func markerHandler(marker string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Handler", marker)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, marker)
	})
}

func TestRouting_AdminMount(t *testing.T) {
	srv := NewServer(nil, nil, nil,
		WithLogger(testLogger()),
		WithRegistry(prometheus.NewRegistry()),
		WithAdminHandler(markerHandler("admin")),
	)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	for _, path := range []string{"/v1/policies", "/v1/policies/pol-1", "/v1/policies/pol-1/audit"} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if got := resp.Header.Get("X-Handler"); got != "admin" {
				t.Errorf("GET %s reached handler %q, want admin", path, got)
			}
		})
	}
}

func TestRouting_NoAdminHandler404(t *testing.T) {
	srv := NewServer(nil, nil, nil,
		WithLogger(testLogger()),
		WithRegistry(prometheus.NewRegistry()),
	)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/policies")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /v1/policies without admin handler = %d, want 404", resp.StatusCode)
	}
}

func TestRouting_UnknownPath404(t *testing.T) {
	srv := NewServer(nil, nil, nil,
		WithLogger(testLogger()),
		WithRegistry(prometheus.NewRegistry()),
	)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v2/evaluate")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /v2/evaluate = %d, want 404", resp.StatusCode)
	}
}

func TestRouting_CorrelationHeaderOnAdminRoutes(t *testing.T) {
	srv := NewServer(nil, nil, nil,
		WithLogger(testLogger()),
		WithRegistry(prometheus.NewRegistry()),
		WithAdminHandler(markerHandler("admin")),
	)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/policies")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.Header.Get(CorrelationIDHeader) == "" {
		t.Error("admin routes should pass through the correlation middleware")
	}
}

func TestServer_StartAndShutdown(t *testing.T) {
	// Integration test: verify the real Start() method serves and shuts down
	// cleanly on context cancellation.
	srv := NewServer(nil, nil, nil,
		WithAddr("127.0.0.1:0"),
		WithLogger(testLogger()),
		WithRegistry(prometheus.NewRegistry()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	// Give the server a moment to start
	time.Sleep(100 * time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return within 5 seconds after cancel")
	}
}

func TestServer_CloseBeforeStart(t *testing.T) {
	srv := NewServer(nil, nil, nil, WithRegistry(prometheus.NewRegistry()))
	if err := srv.Close(); err != nil {
		t.Errorf("Close() before Start() = %v, want nil", err)
	}
}

func TestWithAddr_Option(t *testing.T) {
	srv := NewServer(nil, nil, nil, WithAddr(":9999"))
	if srv.addr != ":9999" {
		t.Errorf("addr = %q, want :9999", srv.addr)
	}
}
