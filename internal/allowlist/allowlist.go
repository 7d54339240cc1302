// internal/allowlist/allowlist.go
package allowlist

import (
	"errors"
	"sync"
)

// Wildcard matches any value in an entry field.
const Wildcard = "*"

// Entry permits the controller to touch one (tenant, endpoint class,
// subsystem) target. Any field may be the wildcard.
type Entry struct {
	TenantID      string `yaml:"tenant_id" json:"tenant_id"`
	EndpointClass string `yaml:"endpoint_class" json:"endpoint_class"`
	SubsystemID   string `yaml:"subsystem_id" json:"subsystem_id"`
}

// Validate rejects entries with empty fields; an intentionally-open field
// must say so with the wildcard.
func (e *Entry) Validate() error {
	if e.TenantID == "" || e.EndpointClass == "" || e.SubsystemID == "" {
		return errors.New("allowlist: entry fields must be non-empty (use * for any)")
	}
	return nil
}

func (e *Entry) covers(tenantID, endpointClass, subsystemID string) bool {
	return match(e.TenantID, tenantID) &&
		match(e.EndpointClass, endpointClass) &&
		match(e.SubsystemID, subsystemID)
}

func match(pattern, value string) bool {
	return pattern == Wildcard || pattern == value
}

// Manager restricts which targets the controller may signal. An empty
// allowlist permits nothing, making the controller a pure no-op.
type Manager struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewManager creates a manager with the given entries.
func NewManager(entries []Entry) *Manager {
	return &Manager{entries: entries}
}

// Allows reports whether at least one entry covers the target.
func (m *Manager) Allows(tenantID, endpointClass, subsystemID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.entries {
		if e.covers(tenantID, endpointClass, subsystemID) {
			return true
		}
	}
	return false
}

// Replace swaps in a new entry set, used on config reload.
func (m *Manager) Replace(entries []Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = entries
}

// Entries returns a copy of the current entries.
func (m *Manager) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}
