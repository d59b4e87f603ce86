// Package events publishes session lifecycle events for site-local
// consumers (billing reconciliation, displays, fleet tooling).
package events

// Subjects published by the engine.
const (
	SubjectTransactionStarted = "tx.started"
	SubjectTransactionStopped = "tx.stopped"
	SubjectStopPending        = "tx.stop_pending"
	SubjectConnectorFaulted   = "connector.faulted"
)

// Publisher is the outbound event port. Publish must not block the engine
// tick; adapters buffer or drop on their own policy.
type Publisher interface {
	Publish(subject string, data []byte) error
	Close() error
}

// Noop discards all events; used when no broker is configured.
type Noop struct{}

func (Noop) Publish(string, []byte) error { return nil }
func (Noop) Close() error                 { return nil }
