package core

import "fmt"

// InvalidContextError reports a missing identity field at construction time.
type InvalidContextError struct {
	Field string
}

func (e *InvalidContextError) Error() string {
	return fmt.Sprintf("execution context: %s must not be empty", e.Field)
}

// ExecutionContext carries the immutable identity of one run plus two
// request-scoped, insertion-ordered maps: AgentContext (mutable scratch space
// shared across the steps of the run) and AuditMetadata (append-only trail of
// operational records such as delivery failures).
//
// Exactly one ExecutionContext exists per run. It is owned by the engine
// instance processing that run and is only ever mutated from the run's own
// goroutine; collaborators receiving it (tool callbacks, emitters) must treat
// it as read-mostly. No internal locking is performed.
type ExecutionContext struct {
	userID    string
	threadID  string
	runID     string
	requestID string

	agentContext *orderedMap
	audit        *orderedMap
}

// NewExecutionContext validates the identity fields and constructs a context
// with empty scratch and audit maps. All four fields are required; the error
// is an *InvalidContextError naming the first empty field.
func NewExecutionContext(userID, threadID, runID, requestID string) (*ExecutionContext, error) {
	switch {
	case userID == "":
		return nil, &InvalidContextError{Field: "user_id"}
	case threadID == "":
		return nil, &InvalidContextError{Field: "thread_id"}
	case runID == "":
		return nil, &InvalidContextError{Field: "run_id"}
	case requestID == "":
		return nil, &InvalidContextError{Field: "request_id"}
	}

	return &ExecutionContext{
		userID:       userID,
		threadID:     threadID,
		runID:        runID,
		requestID:    requestID,
		agentContext: newOrderedMap(),
		audit:        newOrderedMap(),
	}, nil
}

// UserID returns the identity of the user who owns this run.
func (ec *ExecutionContext) UserID() string { return ec.userID }

// ThreadID returns the conversation thread this run belongs to.
func (ec *ExecutionContext) ThreadID() string { return ec.threadID }

// RunID returns the unique identifier of this run.
func (ec *ExecutionContext) RunID() string { return ec.runID }

// RequestID returns the identifier of the originating request.
func (ec *ExecutionContext) RequestID() string { return ec.requestID }

// SetValue stores a value in the agent scratch space, preserving the first
// insertion position of the key.
func (ec *ExecutionContext) SetValue(key string, value any) { ec.agentContext.set(key, value) }

// Value returns a scratch value and whether it was present.
func (ec *ExecutionContext) Value(key string) (any, bool) { return ec.agentContext.get(key) }

// Keys returns the scratch space keys in insertion order.
func (ec *ExecutionContext) Keys() []string { return ec.agentContext.keys() }

// AppendAudit appends an operational record to the audit trail. Re-appending
// an existing key overwrites its value but keeps its original position; the
// trail itself never shrinks.
func (ec *ExecutionContext) AppendAudit(key string, value any) { ec.audit.set(key, value) }

// AuditValue returns an audit record and whether it was present.
func (ec *ExecutionContext) AuditValue(key string) (any, bool) { return ec.audit.get(key) }

// AuditKeys returns the audit trail keys in insertion order.
func (ec *ExecutionContext) AuditKeys() []string { return ec.audit.keys() }

// orderedMap is a minimal insertion-ordered string map. It is not safe for
// concurrent use; ExecutionContext confines all mutation to the run goroutine.
type orderedMap struct {
	order  []string
	values map[string]any
}

func newOrderedMap() *orderedMap {
	return &orderedMap{values: make(map[string]any)}
}

func (m *orderedMap) set(key string, value any) {
	if _, ok := m.values[key]; !ok {
		m.order = append(m.order, key)
	}
	m.values[key] = value
}

func (m *orderedMap) get(key string) (any, bool) {
	v, ok := m.values[key]
	return v, ok
}

func (m *orderedMap) keys() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}
