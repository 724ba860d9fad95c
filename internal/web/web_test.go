package web

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"epaperbridge/internal/bridge"
	"epaperbridge/internal/config"
	appLog "epaperbridge/internal/log"
)

func TestMain(m *testing.M) {
	appLog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func newTestServer(t *testing.T, cfg *config.Config) (*httptest.Server, *Board) {
	t.Helper()
	board := NewBoard()
	ts := httptest.NewServer(NewServer(cfg, board).Handler())
	t.Cleanup(ts.Close)
	return ts, board
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, config.DefaultConfig())
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestStatusReflectsBoard(t *testing.T) {
	ts, board := newTestServer(t, config.DefaultConfig())
	board.Set(bridge.Stats{
		Phase:     bridge.PhaseRefresh,
		PhaseName: bridge.PhaseRefresh.String(),
		Frames:    3,
		Forwarded: 321,
		Dropped:   2,
	})

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("content type = %q", ct)
	}
	var got struct {
		Phase      string `json:"phase"`
		Frames     uint64 `json:"frames"`
		Forwarded  uint64 `json:"forwarded"`
		Dropped    uint64 `json:"dropped"`
		FrameBytes int    `json:"frame_bytes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Phase != "refresh" || got.Frames != 3 || got.Forwarded != 321 || got.Dropped != 2 {
		t.Errorf("status = %+v", got)
	}
	if got.FrameBytes != bridge.DefaultLayout.FrameBytes() {
		t.Errorf("frame_bytes = %d", got.FrameBytes)
	}
}

func TestStatusRejectsPost(t *testing.T) {
	ts, _ := newTestServer(t, config.DefaultConfig())
	resp, err := http.Post(ts.URL+"/api/status", "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Status.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	ts, _ := newTestServer(t, cfg)

	tests := []struct {
		path       string
		user, pass string
		want       int
	}{
		{"/health", "", "", http.StatusOK},
		{"/api/status", "", "", http.StatusUnauthorized},
		{"/api/status", "admin", "wrong", http.StatusUnauthorized},
		{"/api/status", "admin", "secret", http.StatusOK},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+tt.path, nil)
		if tt.user != "" {
			req.SetBasicAuth(tt.user, tt.pass)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("%s as %q: status = %d, want %d", tt.path, tt.user, resp.StatusCode, tt.want)
		}
	}
}

func TestConfigHidesCredentials(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Status.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	ts, _ := newTestServer(t, cfg)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/config", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	status, _ := body["status"].(map[string]any)
	if _, ok := status["basic_auth"]; ok {
		t.Error("credentials exposed")
	}
	if cfg.Status.BasicAuth == nil {
		t.Error("handler cleared the live config")
	}
}

func TestServeShutsDown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	cfg := config.DefaultConfig()
	cfg.Status.Listen = addr
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, cfg, NewBoard()) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/health")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
