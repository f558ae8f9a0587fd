package types

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func validAutomation() *Automation {
	return &Automation{
		ID:      "auto-1",
		OwnerID: "alice",
		Name:    "deploy notifier",
		Status:  AutomationActive,
		Trigger: Trigger{Service: "webhook", Event: "received"},
		Actions: []Action{{Service: "slack", Name: "post_message"}},
	}
}

func TestValidate_OK(t *testing.T) {
	if err := validAutomation().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_Normalizes(t *testing.T) {
	a := validAutomation()
	a.Trigger.Service = "  Webhook "
	a.Actions[0].Service = "SLACK"
	a.Actions[0].Name = " Post_Message "
	if err := a.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if a.Trigger.Service != "webhook" || a.Actions[0].Service != "slack" || a.Actions[0].Name != "post_message" {
		t.Errorf("normalized = %+v", a)
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Automation)
		field  string
	}{
		{"missing owner", func(a *Automation) { a.OwnerID = "" }, "owner_id"},
		{"long name", func(a *Automation) { a.Name = strings.Repeat("x", MaxNameBytes+1) }, "name"},
		{"bad status", func(a *Automation) { a.Status = "archived" }, "status"},
		{"missing trigger service", func(a *Automation) { a.Trigger.Service = "" }, "trigger.service"},
		{"missing trigger event", func(a *Automation) { a.Trigger.Event = "" }, "trigger.event"},
		{"no actions", func(a *Automation) { a.Actions = nil }, "actions"},
		{"too many actions", func(a *Automation) {
			a.Actions = make([]Action, MaxActionsCount+1)
			for i := range a.Actions {
				a.Actions[i] = Action{Service: "slack", Name: "post_message"}
			}
		}, "actions"},
		{"nameless action", func(a *Automation) { a.Actions[0].Name = "" }, "actions[0]"},
		{"oversized params", func(a *Automation) {
			a.Actions[0].Params = json.RawMessage(`"` + strings.Repeat("p", MaxParamsBytes) + `"`)
		}, "actions[0].params"},
		{"too many recipients", func(a *Automation) {
			a.ApprovalRecipients = make([]string, MaxRecipientsCount+1)
		}, "approval_recipients"},
		{"webhook identity on schedule trigger", func(a *Automation) {
			a.Trigger.Service = "schedule"
			a.WebhookID = "wh-1"
		}, "webhook_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := validAutomation()
			tt.mutate(a)
			err := a.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			verr, ok := err.(*ValidationError)
			if !ok {
				t.Fatalf("error type = %T", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestApprovalTimeout(t *testing.T) {
	a := validAutomation()
	if got := a.ApprovalTimeout(); got != DefaultApprovalTimeout {
		t.Errorf("default timeout = %v", got)
	}
	a.ApprovalTimeoutMS = 1000
	if got := a.ApprovalTimeout(); got != time.Second {
		t.Errorf("timeout = %v, want 1s", got)
	}
}

func TestWebhookSecretNeverMarshalled(t *testing.T) {
	a := validAutomation()
	a.WebhookID = "wh-1"
	a.WebhookSecret = "whsec_deadbeef"
	out, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if bytes.Contains(out, []byte("whsec_")) {
		t.Fatal("webhook secret leaked into JSON")
	}
}
