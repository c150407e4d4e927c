package core

import (
	"errors"
	"testing"
)

func TestNewExecutionContext_RequiresIdentity(t *testing.T) {
	cases := []struct {
		name                                 string
		userID, threadID, runID, requestID   string
		wantField                            string
	}{
		{"missing user", "", "t1", "r1", "q1", "user_id"},
		{"missing thread", "u1", "", "r1", "q1", "thread_id"},
		{"missing run", "u1", "t1", "", "q1", "run_id"},
		{"missing request", "u1", "t1", "r1", "", "request_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewExecutionContext(tc.userID, tc.threadID, tc.runID, tc.requestID)
			var ice *InvalidContextError
			if !errors.As(err, &ice) {
				t.Fatalf("expected InvalidContextError, got %v", err)
			}
			if ice.Field != tc.wantField {
				t.Errorf("expected field %s, got %s", tc.wantField, ice.Field)
			}
		})
	}
}

func TestExecutionContext_IdentityAccessors(t *testing.T) {
	ec, err := NewExecutionContext("u1", "t1", "r1", "q1")
	if err != nil {
		t.Fatalf("NewExecutionContext error: %v", err)
	}
	if ec.UserID() != "u1" || ec.ThreadID() != "t1" || ec.RunID() != "r1" || ec.RequestID() != "q1" {
		t.Fatalf("identity mismatch: %s %s %s %s", ec.UserID(), ec.ThreadID(), ec.RunID(), ec.RequestID())
	}
}

func TestExecutionContext_ScratchOrdering(t *testing.T) {
	ec, _ := NewExecutionContext("u1", "t1", "r1", "q1")
	ec.SetValue("b", 1)
	ec.SetValue("a", 2)
	ec.SetValue("b", 3) // overwrite keeps position

	keys := ec.Keys()
	if len(keys) != 2 || keys[0] != "b" || keys[1] != "a" {
		t.Fatalf("unexpected key order: %v", keys)
	}
	if v, ok := ec.Value("b"); !ok || v.(int) != 3 {
		t.Fatalf("expected b=3, got %v", v)
	}
	if _, ok := ec.Value("missing"); ok {
		t.Fatal("missing key should not be found")
	}
}

func TestExecutionContext_AuditAppendOnly(t *testing.T) {
	ec, _ := NewExecutionContext("u1", "t1", "r1", "q1")
	ec.AppendAudit("delivery_failed:agent_thinking:3", "no live connections")
	ec.AppendAudit("delivery_failed:tool_completed:4", "send buffer full")

	keys := ec.AuditKeys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 audit records, got %d", len(keys))
	}
	if keys[0] != "delivery_failed:agent_thinking:3" {
		t.Errorf("unexpected first audit key: %s", keys[0])
	}
	if v, ok := ec.AuditValue("delivery_failed:tool_completed:4"); !ok || v.(string) != "send buffer full" {
		t.Errorf("audit value mismatch: %v", v)
	}
}
