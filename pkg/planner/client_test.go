package planner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTranslate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/translate" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req translateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Prompt == "" {
			t.Error("empty prompt forwarded")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"plan":{"name":"notify on deploy","trigger":{"service":"webhook","event":"received"},"actions":[{"service":"slack","name":"post_message"}],"require_approval":true}}`))
	}))
	defer srv.Close()

	plan, err := NewClient(srv.URL).Translate(context.Background(), "post to slack when a deploy webhook arrives")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if plan.Name != "notify on deploy" || len(plan.Actions) != 1 || !plan.RequireApproval {
		t.Errorf("plan = %+v", plan)
	}
}

func TestTranslateUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL).Translate(context.Background(), "anything"); err == nil {
		t.Fatal("expected error for 503 upstream")
	}
}

func TestTranslatePlannerReportedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":"prompt too ambiguous"}`))
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL).Translate(context.Background(), "do stuff"); err == nil {
		t.Fatal("expected error when planner reports one")
	}
}
