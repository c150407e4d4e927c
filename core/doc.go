// Package core defines the shared domain model of AgentRelay: the per-run
// ExecutionContext, the LifecycleEvent wire model, the Agent capability
// interface and the EventEmitter handle through which agents report progress.
//
// The package has no transport or I/O concerns of its own. Sibling packages
// (registry, ws, engine, server) depend on core; core depends on nothing but
// the standard library.
package core
