package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flowgate/flowgate/pkg/auth"
	"github.com/flowgate/flowgate/pkg/automations"
	"github.com/flowgate/flowgate/pkg/types"
)

// memStore is the minimal automation store the management handlers need,
// mirroring the real store's update rules (status and webhook identity are
// server-owned).
type memStore struct {
	autos map[string]*types.Automation
}

func newMemStore() *memStore {
	return &memStore{autos: map[string]*types.Automation{}}
}

func (m *memStore) Create(_ context.Context, a *types.Automation) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	cp := *a
	m.autos[a.ID] = &cp
	return nil
}

func (m *memStore) Get(_ context.Context, ownerID, id string) (*types.Automation, error) {
	a := m.autos[id]
	if a == nil || a.OwnerID != ownerID {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) List(_ context.Context, ownerID string) ([]types.Automation, error) {
	out := make([]types.Automation, 0)
	for _, a := range m.autos {
		if a.OwnerID == ownerID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *memStore) Update(_ context.Context, a *types.Automation) error {
	existing := m.autos[a.ID]
	if existing == nil || existing.OwnerID != a.OwnerID {
		return automations.ErrNotFound
	}
	a.Status = existing.Status
	a.WebhookID = existing.WebhookID
	a.WebhookSecret = ""
	cp := *a
	cp.WebhookSecret = existing.WebhookSecret
	m.autos[a.ID] = &cp
	return nil
}

func (m *memStore) SetStatus(_ context.Context, ownerID, id, status string) error {
	a := m.autos[id]
	if a == nil || a.OwnerID != ownerID {
		return automations.ErrNotFound
	}
	a.Status = status
	return nil
}

func (m *memStore) Delete(_ context.Context, ownerID, id string) error {
	a := m.autos[id]
	if a == nil || a.OwnerID != ownerID {
		return automations.ErrNotFound
	}
	delete(m.autos, id)
	return nil
}

// consoleServer mounts the real management handlers behind httptest so the
// SDK is exercised against the exact wire shapes the service produces.
func consoleServer(t *testing.T) *httptest.Server {
	t.Helper()
	h := automations.NewHandlers(newMemStore(), nil, nil, "http://gateway.local")
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(auth.WithActor(req.Context(), "owner-1")))
		})
	})
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func testInput(name string) automations.CreateAutomationInput {
	return automations.CreateAutomationInput{
		Name:    name,
		Trigger: types.Trigger{Service: "webhook", Event: "received"},
		Actions: []types.Action{{Service: "slack", Name: "post_message"}},
	}
}

func TestListAutomationsRoundTrip(t *testing.T) {
	srv := consoleServer(t)
	c := New(srv.URL, "sk_test")
	ctx := context.Background()

	for _, name := range []string{"first", "second"} {
		if _, err := c.CreateAutomation(ctx, testInput(name)); err != nil {
			t.Fatalf("create %q: %v", name, err)
		}
	}

	list, err := c.ListAutomations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("listed %d automations, want 2", len(list))
	}
	for _, a := range list {
		if a.ID == "" || a.Name == "" {
			t.Errorf("listed automation missing fields: %+v", a)
		}
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	srv := consoleServer(t)
	c := New(srv.URL, "sk_test")
	ctx := context.Background()

	created, err := c.CreateAutomation(ctx, testInput("pausable"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	paused, err := c.PauseAutomation(ctx, created.ID)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.ID != created.ID || paused.Status != types.AutomationPaused {
		t.Errorf("paused = {id:%q status:%q}, want the full updated automation", paused.ID, paused.Status)
	}

	resumed, err := c.ResumeAutomation(ctx, created.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != types.AutomationActive {
		t.Errorf("resumed status = %q, want active", resumed.Status)
	}
}

func TestUpdateAutomationRoundTrip(t *testing.T) {
	srv := consoleServer(t)
	c := New(srv.URL, "sk_test")
	ctx := context.Background()

	created, err := c.CreateAutomation(ctx, testInput("editable"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := c.UpdateAutomation(ctx, created.ID, testInput("renamed"))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "renamed" {
		t.Errorf("name = %q, want renamed", updated.Name)
	}
	if updated.WebhookID != created.WebhookID {
		t.Errorf("webhook_id changed from %q to %q on update", created.WebhookID, updated.WebhookID)
	}
	if updated.WebhookSecret != "" {
		t.Error("preserved secret echoed back on update")
	}
}
