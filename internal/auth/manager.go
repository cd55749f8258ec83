package auth

import (
	"sync"
)

// Manager holds the current user of a client instance.
type Manager struct {
	mu        sync.Mutex
	current   *User
	nextID    int
	listeners map[int]func(*User)
	teardowns map[int]func()
}

// NewManager creates a signed-out Manager.
func NewManager() *Manager {
	return &Manager{
		listeners: make(map[int]func(*User)),
		teardowns: make(map[int]func()),
	}
}

// CurrentUser returns the signed-in user or nil.
func (m *Manager) CurrentUser() *User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	u := *m.current
	return &u
}

// SignIn replaces the current user. Switching users runs the sign-out hooks first.
func (m *Manager) SignIn(u User) {
	m.mu.Lock()
	prev := m.current
	m.mu.Unlock()
	if prev != nil && prev.ID != u.ID {
		m.runTeardowns()
	}

	m.mu.Lock()
	m.current = &u
	m.mu.Unlock()
	m.notify(&u)
}

// SignOut runs the sign-out hooks, clears the user, then tells listeners.
func (m *Manager) SignOut() {
	m.mu.Lock()
	signedIn := m.current != nil
	m.mu.Unlock()
	if !signedIn {
		return
	}

	m.runTeardowns()
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	m.notify(nil)
}

// OnChange registers fn for every sign-in and sign-out. The returned func removes it.
func (m *Manager) OnChange(fn func(*User)) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// BeforeSignOut registers fn to run while the outgoing user is still current.
func (m *Manager) BeforeSignOut(fn func()) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.teardowns[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.teardowns, id)
		m.mu.Unlock()
	}
}

func (m *Manager) runTeardowns() {
	for _, fn := range m.snapshotTeardowns() {
		fn()
	}
}

func (m *Manager) snapshotTeardowns() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]func(), 0, len(m.teardowns))
	for id := 1; id <= m.nextID; id++ {
		if fn, ok := m.teardowns[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func (m *Manager) notify(u *User) {
	m.mu.Lock()
	fns := make([]func(*User), 0, len(m.listeners))
	for id := 1; id <= m.nextID; id++ {
		if fn, ok := m.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range fns {
		if u == nil {
			fn(nil)
			continue
		}
		cp := *u
		fn(&cp)
	}
}
