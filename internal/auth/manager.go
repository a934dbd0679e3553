package auth

import (
	"net/http"
	"strings"
)

// Manager validates bearer tokens presented to the control API. An empty
// manager (no hashes) disables auth, which suits local development.
type Manager struct {
	hashes []string
}

// NewManager builds a manager from stored token hashes. Blank entries are
// ignored.
func NewManager(hashes []string) *Manager {
	manager := &Manager{}
	for _, hash := range hashes {
		if trimmed := strings.TrimSpace(hash); trimmed != "" {
			manager.hashes = append(manager.hashes, trimmed)
		}
	}
	return manager
}

// Enabled reports whether any credential is configured.
func (m *Manager) Enabled() bool {
	return m != nil && len(m.hashes) > 0
}

// Verify checks the candidate against every configured hash. All hashes are
// tried even after a match so timing does not reveal which entry matched.
func (m *Manager) Verify(candidate string) error {
	if !m.Enabled() {
		return nil
	}
	if candidate == "" {
		return ErrInvalidToken
	}
	matched := false
	for _, hash := range m.hashes {
		if VerifyToken(hash, candidate) == nil {
			matched = true
		}
	}
	if !matched {
		return ErrInvalidToken
	}
	return nil
}

// Authorize extracts the bearer token from a request and verifies it.
func (m *Manager) Authorize(r *http.Request) error {
	if !m.Enabled() {
		return nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ErrInvalidToken
	}
	return m.Verify(strings.TrimSpace(header[len(prefix):]))
}
