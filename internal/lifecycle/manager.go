// Package lifecycle is the only path through which operator status
// changes reach the alert store. It enforces the transition policy,
// records an audit trail and restores persisted state at startup.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/idswatch/internal/alert"
	"github.com/linnemanlabs/idswatch/internal/alertstore"
)

var (
	// ErrUnknownAlert is returned when no stored alert has the key.
	ErrUnknownAlert = errors.New("unknown alert")

	// ErrInvalidStatus is returned for a status outside new, investigating and resolved.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrTransition is returned when the policy forbids the transition.
	ErrTransition = errors.New("transition not allowed")
)

// Policy decides which transitions are accepted.
type Policy int

const (
	// Permissive accepts any transition between known statuses.
	Permissive Policy = iota

	// Forward rejects transitions that move back toward new.
	Forward
)

// String implements fmt.Stringer.
func (p Policy) String() string {
	if p == Forward {
		return "forward"
	}
	return "permissive"
}

// Allows reports whether from -> to is accepted. Same-status is always allowed.
func (p Policy) Allows(from, to alert.Status) bool {
	if from == to {
		return true
	}
	if p == Forward {
		return to.Rank() > from.Rank()
	}
	return true
}

// Editor is the store-side surface the manager drives. *view.Engine
// implements it.
type Editor interface {
	UpdateStatus(ctx context.Context, key string, fn func(cur alert.Status) (alert.Status, error)) (alert.Alert, error)
	SeedStatuses(ctx context.Context, statuses map[string]alert.Status)
}

// Manager applies operator status changes. Changes are applied and
// persisted one at a time, so the audit log is in apply order.
type Manager struct {
	editor Editor
	store  StatusStore
	policy Policy
	logger log.Logger
	now    func() time.Time

	mu     sync.Mutex
	lastAt time.Time
}

// NewManager creates a Manager. editor and store are required.
func NewManager(editor Editor, store StatusStore, policy Policy, logger log.Logger) *Manager {
	if editor == nil {
		panic(xerrors.New("lifecycle.NewManager: editor is required"))
	}
	if store == nil {
		panic(xerrors.New("lifecycle.NewManager: status store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Manager{
		editor: editor,
		store:  store,
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

// Policy returns the configured transition policy.
func (m *Manager) Policy() Policy { return m.policy }

// SetStatus moves key to status on behalf of actor. Same-status requests
// succeed without writing an audit record. The in-memory change is
// authoritative; a failed audit write is logged and does not undo it.
func (m *Manager) SetStatus(ctx context.Context, key, status, actor string) (*Record, error) {
	to, err := alert.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var rec *Record
	_, err = m.editor.UpdateStatus(ctx, key, func(cur alert.Status) (alert.Status, error) {
		if !m.policy.Allows(cur, to) {
			return "", fmt.Errorf("%w: %s -> %s", ErrTransition, cur, to)
		}
		rec = &Record{
			ID:    ulid.Make().String(),
			Key:   key,
			From:  cur,
			To:    to,
			Actor: strings.TrimSpace(actor),
			At:    m.stamp(),
		}
		return to, nil
	})
	if err != nil {
		if errors.Is(err, alertstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAlert, key)
		}
		return nil, err
	}
	if rec.From == rec.To {
		return rec, nil
	}

	if err := m.store.Append(ctx, rec); err != nil {
		m.logger.Error(ctx, err, "failed to persist status change", "key", key, "to", to)
	} else {
		m.logger.Info(ctx, "status changed", "key", key, "from", rec.From, "to", to, "actor", rec.Actor)
	}
	return rec, nil
}

// stamp returns the record time, never earlier than the previous one so
// stores ordering by time agree with apply order. Caller holds mu.
func (m *Manager) stamp() time.Time {
	at := m.now().UTC()
	if at.Before(m.lastAt) {
		at = m.lastAt
	}
	m.lastAt = at
	return at
}

// History returns the audit trail for key, oldest first.
func (m *Manager) History(ctx context.Context, key string) ([]Record, error) {
	return m.store.History(ctx, key)
}

// Restore seeds the editor with the latest persisted status of every key.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	latest, err := m.store.Latest(ctx)
	if err != nil {
		return 0, fmt.Errorf("load persisted statuses: %w", err)
	}
	m.editor.SeedStatuses(ctx, latest)
	return len(latest), nil
}
