package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flowgate/flowgate/pkg/types"
)

func TestRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/runs" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var in RunInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if in.RunID != "run-1" || len(in.Actions) != 1 {
			t.Errorf("input = %+v", in)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","output":{"message_ts":"123.45"},"duration_ms":40}`))
	}))
	defer srv.Close()

	result, err := NewClient(srv.URL, 0).Run(context.Background(), RunInput{
		AutomationID: "auto-1",
		RunID:        "run-1",
		OwnerID:      "alice",
		Actions:      []types.Action{{Service: "slack", Name: "post_message"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != "success" || result.DurationMS != 40 {
		t.Errorf("result = %+v", result)
	}
}

func TestRunDownstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "connector exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, 0).Run(context.Background(), RunInput{RunID: "run-1"}); err == nil {
		t.Fatal("expected error for 502 downstream")
	}
}

func TestRunReportedActionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"error","error":"channel not found"}`))
	}))
	defer srv.Close()

	result, err := NewClient(srv.URL, 0).Run(context.Background(), RunInput{RunID: "run-1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// A 2xx with an error status is a recorded failure, not a transport error.
	if result.Status != "error" || result.Error != "channel not found" {
		t.Errorf("result = %+v", result)
	}
}
