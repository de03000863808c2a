package debugsrv

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"testing"
	"time"

	logx "tickd/pkg/logx"
)

func get(t *testing.T, url, bearer string) *http.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	return resp
}

func TestServerApplyEnableDisable(t *testing.T) {
	prevMutex := runtime.SetMutexProfileFraction(-1)
	t.Cleanup(func() {
		_ = runtime.SetMutexProfileFraction(prevMutex)
		runtime.SetBlockProfileRate(0)
	})

	srv := New(logx.Nop(), func() any { return map[string]int{"elapsed": 42} })
	t.Cleanup(func() { srv.Stop(context.Background()) })

	ctx := context.Background()
	srv.Apply(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", MutexProfileFraction: 7})
	addr := srv.Addr()
	if addr == "" {
		t.Fatal("expected debug server to expose address")
	}
	if got := runtime.SetMutexProfileFraction(-1); got != 7 {
		t.Fatalf("mutex profile fraction = %d, want 7", got)
	}

	resp := get(t, "http://"+addr+"/status", "")
	defer resp.Body.Close()
	var body map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["elapsed"] != 42 {
		t.Fatalf("status = %v", body)
	}

	pp := get(t, "http://"+addr+"/debug/pprof/", "")
	pp.Body.Close()
	if pp.StatusCode != http.StatusOK {
		t.Fatalf("pprof status = %d", pp.StatusCode)
	}

	srv.Apply(ctx, Config{Enabled: false})
	if addr := srv.Addr(); addr != "" {
		t.Fatalf("expected debug server to stop, still at %s", addr)
	}
}

func TestServerToken(t *testing.T) {
	t.Parallel()

	srv := New(logx.Nop(), nil)
	t.Cleanup(func() { srv.Stop(context.Background()) })
	srv.Apply(context.Background(), Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"})
	addr := srv.Addr()
	if addr == "" {
		t.Fatal("server not started")
	}

	tests := []struct {
		name   string
		url    string
		bearer string
		want   int
	}{
		{"missing", "/status", "", http.StatusUnauthorized},
		{"bearer", "/status", "s3cret", http.StatusOK},
		{"query", "/status?token=s3cret", "", http.StatusOK},
		{"wrong query", "/status?token=nope", "s3cret", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		resp := get(t, "http://"+addr+tt.url, tt.bearer)
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Fatalf("%s: status = %d, want %d", tt.name, resp.StatusCode, tt.want)
		}
	}
}

func TestServerRefusesOpenAddrWithoutToken(t *testing.T) {
	t.Parallel()

	srv := New(logx.Nop(), nil)
	srv.Apply(context.Background(), Config{Enabled: true, Addr: ":0"})
	defer srv.Stop(context.Background())
	if addr := srv.Addr(); addr != "" {
		t.Fatalf("server started on %s without token", addr)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:6060", true},
		{"localhost:1", true},
		{"[::1]:80", true},
		{":6060", false},
		{"0.0.0.0:6060", false},
		{"10.0.0.1:80", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		if got := isLoopbackAddr(tt.addr); got != tt.want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}
