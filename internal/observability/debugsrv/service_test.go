package debugsrv

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "asyncproc/pkg/logx"
)

func TestHandlerServesSnapshotAndHealth(t *testing.T) {
	t.Parallel()

	s := New(Config{}, func() any { return map[string]int{"ready": 3} }, logx.Nop())
	h := s.handler(Config{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/snapshot", nil))
	var got map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || got["ready"] != 3 {
		t.Fatalf("snapshot: %q err=%v", rec.Body.String(), err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type %q", ct)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof", nil))
	if rec.Code != http.StatusPermanentRedirect {
		t.Fatalf("prefix without slash: %d", rec.Code)
	}
}

func TestHandlerToken(t *testing.T) {
	t.Parallel()

	cfg := Config{Token: "s3cret"}
	h := New(cfg, func() any { return nil }, logx.Nop()).handler(cfg)

	cases := []struct {
		name   string
		target string
		auth   string
		want   int
	}{
		{"missing", "/healthz", "", http.StatusUnauthorized},
		{"query", "/healthz?token=s3cret", "", http.StatusOK},
		{"bad query", "/healthz?token=nope", "Bearer s3cret", http.StatusUnauthorized},
		{"bearer", "/healthz", "Bearer s3cret", http.StatusOK},
		{"bad bearer", "/healthz", "Bearer other", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.auth != "" {
				req.Header.Set("Authorization", tc.auth)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("code=%d want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestNormalizePrefix(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{
		"":            "/debug/pprof/",
		"pprof":       "/pprof/",
		"/x/prof/":    "/x/prof/",
		"  /x/prof  ": "/x/prof/",
	} {
		if got := normalizePrefix(in); got != want {
			t.Errorf("normalizePrefix(%q)=%q want %q", in, got, want)
		}
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	for addr, want := range map[string]bool{
		"127.0.0.1:6060": true,
		"[::1]:6060":     true,
		"localhost:1":    true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.4:6060":  false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q)=%v", addr, got)
		}
	}
}

func TestApplyStartsAndStops(t *testing.T) {
	t.Parallel()

	s := New(Config{}, func() any { return "snap" }, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Apply(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	var addr string
	for addr == "" {
		if ctx.Err() != nil {
			t.Fatalf("listener never came up")
		}
		time.Sleep(5 * time.Millisecond)
		addr = s.Addr()
	}

	resp, err := http.Get("http://" + addr + "/snapshot")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(body) != "\"snap\"\n" {
		t.Fatalf("body %q", body)
	}

	s.Apply(ctx, Config{Enabled: false})
	if s.Addr() != "" || s.Enabled() {
		t.Fatalf("still serving on %q", s.Addr())
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, logx.Nop())
	if err := s.serveOnce(context.Background()); err == nil {
		t.Fatalf("non-loopback bind without token must fail")
	}
}
