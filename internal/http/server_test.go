package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

type fakePipeline struct{ ready bool }

func (f fakePipeline) IsReady() bool { return f.ready }

type fakeDB struct{ err error }

func (f fakeDB) Ping(ctx context.Context) error { return f.err }

func doReadyz(t *testing.T, s *Server) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	s.handleReadyz(rec, req)

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec.Code, body
}

func TestReadyzAllOK(t *testing.T) {
	s := NewServer(":0", fakeDB{}, map[string]PipelineStatus{
		"consumer": fakePipeline{ready: true},
	}, zap.NewNop())

	code, body := doReadyz(t, s)
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if body["status"] != "ready" {
		t.Errorf("body status = %v", body["status"])
	}
}

func TestReadyzPipelineNotReady(t *testing.T) {
	s := NewServer(":0", nil, map[string]PipelineStatus{
		"consumer": fakePipeline{ready: false},
	}, zap.NewNop())

	code, _ := doReadyz(t, s)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
}

func TestReadyzDBDown(t *testing.T) {
	s := NewServer(":0", fakeDB{err: errors.New("down")}, map[string]PipelineStatus{
		"consumer": fakePipeline{ready: true},
	}, zap.NewNop())

	code, body := doReadyz(t, s)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	checks := body["checks"].(map[string]any)
	if checks["postgres"] != "error" {
		t.Errorf("postgres check = %v, want error", checks["postgres"])
	}
}

func TestReadyzNoDBConfigured(t *testing.T) {
	// Without a catalog there must be no postgres check at all.
	s := NewServer(":0", nil, map[string]PipelineStatus{
		"consumer": fakePipeline{ready: true},
	}, zap.NewNop())

	code, body := doReadyz(t, s)
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	checks := body["checks"].(map[string]any)
	if _, present := checks["postgres"]; present {
		t.Error("postgres check present without a configured catalog")
	}
}

func TestHealthz(t *testing.T) {
	s := NewServer(":0", nil, nil, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.handleHealthz(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
