package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

func TestHealthz(t *testing.T) {
	h := New()
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status field = %q, want %q", body.Status, "ok")
	}
}

func TestReadyz_AllPass(t *testing.T) {
	h := New(
		Checker{Name: "a", Check: func(context.Context) error { return nil }},
		Checker{Name: "b", Check: func(context.Context) error { return nil }},
	)
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadyz_OneFails(t *testing.T) {
	h := New(
		Checker{Name: "good", Check: func(context.Context) error { return nil }},
		Checker{Name: "bad", Check: func(context.Context) error { return errors.New("down") }},
	)
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status field = %q, want %q", body.Status, "fail")
	}
	if body.Checks["good"] != "ok" {
		t.Errorf("good check = %q, want %q", body.Checks["good"], "ok")
	}
	if body.Checks["bad"] != "fail: down" {
		t.Errorf("bad check = %q, want %q", body.Checks["bad"], "fail: down")
	}
}

func TestScratchDir(t *testing.T) {
	if err := ScratchDir(t.TempDir()).Check(context.Background()); err != nil {
		t.Errorf("writable dir failed: %v", err)
	}
	missing := filepath.Join(t.TempDir(), "does", "not", "exist")
	if err := ScratchDir(missing).Check(context.Background()); err == nil {
		t.Error("missing dir passed")
	}
}

func TestArtifactDir(t *testing.T) {
	if err := ArtifactDir(t.TempDir()).Check(context.Background()); err != nil {
		t.Errorf("existing dir failed: %v", err)
	}
	missing := filepath.Join(t.TempDir(), "nope")
	if err := ArtifactDir(missing).Check(context.Background()); err == nil {
		t.Error("missing dir passed")
	}
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestDatabase(t *testing.T) {
	if err := Database(fakePinger{}).Check(context.Background()); err != nil {
		t.Errorf("healthy database failed: %v", err)
	}
	if err := Database(fakePinger{err: errors.New("refused")}).Check(context.Background()); err == nil {
		t.Error("unreachable database passed")
	}
}
