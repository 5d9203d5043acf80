package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/pharmaledger/internal/health"
)

func startTestMetricsServer(t *testing.T, storagePing func(context.Context) error) (int, context.CancelFunc) {
	t.Helper()

	port := findFreePort(t)
	handler := healthcheck.NewHandler("test")
	handler.RegisterChecker("storage", healthcheck.NewPingChecker("storage", storagePing))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := startMetricsServer(ctx, fmt.Sprintf("127.0.0.1:%d", port), log.WithField("test", "http"), handler)
	if srv == nil {
		t.Fatal("startMetricsServer returned nil")
	}
	waitForListener(t, port)
	return port, cancel
}

func TestStartMetricsServer_Endpoints(t *testing.T) {
	port, _ := startTestMetricsServer(t, func(context.Context) error { return nil })

	for path, wantBody := range map[string]string{"/metrics": "", "/healthz": "", "/livez": "ok", "/readyz": "ready"} {
		code, body := get(t, port, path)
		if code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, code)
		}
		if wantBody != "" && body != wantBody {
			t.Errorf("%s: expected body %q, got %q", path, wantBody, body)
		}
		if path == "/metrics" && body == "" {
			t.Error("/metrics should return non-empty response")
		}
	}
}

func TestStartMetricsServer_StorageDown(t *testing.T) {
	port, _ := startTestMetricsServer(t, func(context.Context) error { return errors.New("connection refused") })

	for _, path := range []string{"/healthz", "/readyz"} {
		if code, _ := get(t, port, path); code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, code)
		}
	}
	if code, _ := get(t, port, "/livez"); code != http.StatusOK {
		t.Errorf("/livez must stay 200 while storage is down, got %d", code)
	}
}

func TestStartMetricsServer_ShutdownOnCancel(t *testing.T) {
	port, cancel := startTestMetricsServer(t, func(context.Context) error { return nil })

	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/livez", port)); err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("server should be stopped after context cancellation")
}

func TestShutdownHTTP_NilServer(_ *testing.T) {
	shutdownHTTP(nil, log.WithField("test", "http-nil"))
}

func get(t *testing.T, port int, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d%s", port, path))
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func waitForListener(t *testing.T, port int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 50*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("listener on port %d did not start", port)
}

func findFreePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}
