package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestChecker_Readiness(t *testing.T) {
	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("down") }

	tests := []struct {
		name   string
		setup  func(c *Checker)
		status Status
		ready  bool
	}{
		{
			name:   "no checks",
			setup:  func(c *Checker) {},
			status: StatusReady,
			ready:  true,
		},
		{
			name: "all healthy",
			setup: func(c *Checker) {
				c.Register("snapshot", true, ok)
				c.Register("storage", false, ok)
			},
			status: StatusReady,
			ready:  true,
		},
		{
			name: "non-critical failure degrades",
			setup: func(c *Checker) {
				c.Register("snapshot", true, ok)
				c.Register("storage", false, fail)
			},
			status: StatusDegraded,
			ready:  true,
		},
		{
			name: "critical failure is unhealthy",
			setup: func(c *Checker) {
				c.Register("snapshot", true, fail)
				c.Register("storage", false, fail)
			},
			status: StatusUnhealthy,
			ready:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(time.Second)
			tt.setup(c)

			report := c.Readiness(context.Background())
			if report.Status != tt.status {
				t.Errorf("status = %s, want %s", report.Status, tt.status)
			}
			if report.Ready() != tt.ready {
				t.Errorf("ready = %v, want %v", report.Ready(), tt.ready)
			}
			if len(report.Checks) != len(c.Names()) {
				t.Errorf("got %d results for %d checks", len(report.Checks), len(c.Names()))
			}
		})
	}
}

func TestChecker_Timeout(t *testing.T) {
	c := New(20 * time.Millisecond)
	c.Register("slow", true, func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return nil
	})

	report := c.Readiness(context.Background())
	res := report.Checks["slow"]
	if res.Status != StatusUnhealthy || res.Message != "health check timeout" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestChecker_RegisterUnregister(t *testing.T) {
	c := New(0)
	c.Register("b", false, func(context.Context) error { return nil })
	c.Register("a", true, func(context.Context) error { return nil })

	names := c.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("names = %v", names)
	}

	c.Unregister("a")
	if got := c.Names(); len(got) != 1 || got[0] != "b" {
		t.Fatalf("names after unregister = %v", got)
	}
}

func TestHandlers(t *testing.T) {
	c := New(time.Second)
	c.Register("snapshot", true, func(context.Context) error { return errors.New("no snapshot") })

	tests := []struct {
		name    string
		handler http.HandlerFunc
		method  string
		code    int
		status  Status
	}{
		{"liveness", c.LivenessHandler(), http.MethodGet, http.StatusOK, StatusOK},
		{"readiness", c.ReadinessHandler(), http.MethodGet, http.StatusServiceUnavailable, StatusUnhealthy},
		{"liveness head", c.LivenessHandler(), http.MethodHead, http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(tt.method, "/", nil))

			if rec.Code != tt.code {
				t.Fatalf("code = %d, want %d", rec.Code, tt.code)
			}
			if tt.method == http.MethodHead {
				if rec.Body.Len() != 0 {
					t.Error("HEAD response should have no body")
				}
				return
			}
			var report Report
			if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if report.Status != tt.status {
				t.Errorf("status = %s, want %s", report.Status, tt.status)
			}
		})
	}
}

func TestVersionHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	VersionHandler("1.2.3", "abc123", "2026-10-15")(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	var info VersionInfo
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Version != "1.2.3" || info.Commit != "abc123" || info.GoVersion == "" {
		t.Errorf("unexpected info: %+v", info)
	}
}
