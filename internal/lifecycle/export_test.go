package lifecycle

import "time"

// SetNow replaces the manager clock.
func (m *Manager) SetNow(fn func() time.Time) { m.now = fn }
