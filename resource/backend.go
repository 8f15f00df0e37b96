package resource

import (
	"sync"
	"sync/atomic"
)

// Backend creates and destroys the platform resources of a window. Init
// and Exit run on the window's owning worker only.
type Backend interface {
	Init() (ok bool, msg string)
	Exit()
}

// BackendFactory makes the backend of a new window.
type BackendFactory func(name string) Backend

// MockBackend is a Backend for tests and headless nodes.
type MockBackend struct {
	mu   sync.Mutex
	fail string

	Inits atomic.Int32
	Exits atomic.Int32
	// Gate, when set, is received from before Init returns.
	Gate chan struct{}
}

// FailWith makes the next Init calls fail with msg; "" succeeds again.
func (m *MockBackend) FailWith(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = msg
}

func (m *MockBackend) Init() (bool, string) {
	if m.Gate != nil {
		<-m.Gate
	}
	m.Inits.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != "" {
		return false, m.fail
	}
	return true, ""
}

func (m *MockBackend) Exit() {
	m.Exits.Add(1)
}

func MockFactory(string) Backend {
	return &MockBackend{}
}
