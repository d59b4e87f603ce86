package mocks

import "sync"

// MockPublisher is a mock implementation of events.Publisher that records
// everything published, keyed by subject.
type MockPublisher struct {
	mu        sync.Mutex
	published map[string][][]byte

	PublishFunc func(subject string, data []byte) error
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{published: make(map[string][][]byte)}
}

func (m *MockPublisher) Publish(subject string, data []byte) error {
	if m.PublishFunc != nil {
		if err := m.PublishFunc(subject, data); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[subject] = append(m.published[subject], append([]byte(nil), data...))
	return nil
}

func (m *MockPublisher) Close() error { return nil }

// GetPublishedMessages returns everything published on a subject.
func (m *MockPublisher) GetPublishedMessages(subject string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published[subject]
}
