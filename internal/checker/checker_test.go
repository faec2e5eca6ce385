package checker

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newFakeProxy(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return strings.TrimPrefix(server.URL, "http://")
}

func TestProbe_SucceedsOnStatusOK(t *testing.T) {
	candidate := newFakeProxy(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Host != "liveness.test" {
			http.Error(w, "wrong target", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	report := Probe(context.Background(), candidate, "http://liveness.test/", time.Second)
	if report.Result != Success {
		t.Fatalf("result = %s (err %v), want success", report.Result, report.Err)
	}
	if report.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", report.StatusCode)
	}
}

func TestProbe_NonOKStatusIsOtherError(t *testing.T) {
	candidate := newFakeProxy(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	report := Probe(context.Background(), candidate, "http://liveness.test/", time.Second)
	if report.Result != OtherError {
		t.Fatalf("result = %s, want other_error", report.Result)
	}
	if report.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", report.StatusCode)
	}
}

func TestProbe_RejectedTunnelIsProxyError(t *testing.T) {
	candidate := newFakeProxy(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodConnect {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	report := Probe(context.Background(), candidate, "https://liveness.test/", time.Second)
	if report.Result != ProxyError {
		t.Fatalf("result = %s (err %v), want proxy_error", report.Result, report.Err)
	}
}

func TestProbe_TimeoutIsOtherError(t *testing.T) {
	candidate := newFakeProxy(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	})

	start := time.Now()
	report := Probe(context.Background(), candidate, "http://liveness.test/", 100*time.Millisecond)
	if report.Result != OtherError {
		t.Fatalf("result = %s, want other_error", report.Result)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("probe took %s, expected the timeout to cut it short", elapsed)
	}
}

func TestProbe_RefusedConnectionIsOtherError(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()

	report := Probe(context.Background(), addr, "http://liveness.test/", time.Second)
	if report.Result != OtherError {
		t.Fatalf("result = %s, want other_error", report.Result)
	}
}

func TestProbe_MalformedCandidateIsOtherError(t *testing.T) {
	report := Probe(context.Background(), "not-a-proxy", "http://liveness.test/", time.Second)
	if report.Result != OtherError {
		t.Fatalf("result = %s, want other_error", report.Result)
	}
	if report.Err == nil {
		t.Fatal("expected an error for malformed candidate")
	}
}

func TestHTTPValidator_Validate(t *testing.T) {
	candidate := newFakeProxy(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	validator := New("http://liveness.test/", time.Second)
	if got := validator.Validate(context.Background(), candidate); got != Success {
		t.Fatalf("Validate = %s, want success", got)
	}
}

func TestResultString(t *testing.T) {
	if Success.String() != "success" || ProxyError.String() != "proxy_error" || OtherError.String() != "other_error" {
		t.Fatal("unexpected result labels")
	}
}
