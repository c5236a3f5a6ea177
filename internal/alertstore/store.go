// Package alertstore holds the authoritative in-memory alert set: an
// ingestion-ordered list keyed by identity, plus the operator status
// ledger that survives resyncs.
package alertstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/linnemanlabs/idswatch/internal/alert"
)

// ErrNotFound is returned by UpdateStatus for an unknown key.
var ErrNotFound = errors.New("alert not found")

// Result reports the outcome of one ingestion call.
type Result struct {
	// Accepted counts records that passed validation and were stored.
	Accepted int `json:"accepted"`

	// Duplicates counts accepted records whose key was already present
	// (earlier in the same batch for Resync, in the store for Append).
	Duplicates int `json:"duplicates"`

	// Rejected counts malformed records. Errors holds one entry per reject.
	Rejected int     `json:"rejected"`
	Errors   []error `json:"-"`

	// Conflicts counts accepted records that tried to change the identity
	// fields of a stored key. The stored identity fields were kept.
	Conflicts int `json:"conflicts"`
}

func (r *Result) reject(i int, err error) {
	r.Rejected++
	r.Errors = append(r.Errors, fmt.Errorf("record %d: %w", i, err))
}

// Store is safe for concurrent use. All returned alerts are copies.
type Store struct {
	mu      sync.RWMutex
	order   []string                // ingestion order of keys
	entries map[string]*alert.Alert // key -> alert
	ledger  map[string]alert.Status // key -> operator status, never pruned
	direct  map[string]struct{}     // appended keys the source of record has not delivered yet
	version uint64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		entries: make(map[string]*alert.Alert),
		ledger:  make(map[string]alert.Status),
		direct:  make(map[string]struct{}),
	}
}

// prepare validates a copy of a and assigns its identity key.
func prepare(a *alert.Alert) (alert.Alert, error) {
	cp := a.Clone()
	if err := alert.Validate(&cp); err != nil {
		return alert.Alert{}, err
	}
	cp.Key = alert.IdentityKey(&cp)
	return cp, nil
}

// keepIdentity restores the identity fields of stored into a and reports
// whether a tried to change them. Only status and payload fields may
// change once a key is stored.
func keepIdentity(a *alert.Alert, stored *alert.Alert) bool {
	changed := !a.Timestamp.Equal(stored.Timestamp) ||
		a.AttackName != stored.AttackName ||
		a.Source != stored.Source ||
		a.Destination != stored.Destination
	a.Timestamp = stored.Timestamp
	a.AttackName = stored.AttackName
	a.Source = stored.Source
	a.Destination = stored.Destination
	return changed
}

// statusFor resolves the status for a stored alert: recorded operator
// state wins, then the delivered status, then new. Caller holds mu.
func (s *Store) statusFor(key string, delivered alert.Status) alert.Status {
	if st, ok := s.ledger[key]; ok {
		return st
	}
	if delivered == "" {
		delivered = alert.StatusNew
	}
	s.ledger[key] = delivered
	return delivered
}

// Resync replaces the stored set with batch. Operator status of every
// alert whose key was seen before is preserved. Duplicate keys inside
// the batch collapse into the first position with the last fields.
// Directly appended alerts the batch does not contain are kept after the
// batch, in their previous order; once the batch contains one it is
// treated as a source alert from then on.
func (s *Store) Resync(batch []alert.Alert) Result {
	var res Result

	order := make([]string, 0, len(batch))
	entries := make(map[string]*alert.Alert, len(batch))

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range batch {
		a, err := prepare(&batch[i])
		if err != nil {
			res.reject(i, err)
			continue
		}
		res.Accepted++
		a.Status = s.statusFor(a.Key, a.Status)

		stored, dup := entries[a.Key]
		if dup {
			res.Duplicates++
		} else {
			order = append(order, a.Key)
			stored = s.entries[a.Key]
		}
		if stored != nil && keepIdentity(&a, stored) {
			res.Conflicts++
		}
		entries[a.Key] = &a
	}

	for _, k := range s.order {
		if _, ok := s.direct[k]; !ok {
			continue
		}
		if _, delivered := entries[k]; delivered {
			delete(s.direct, k)
			continue
		}
		order = append(order, k)
		entries[k] = s.entries[k]
	}

	s.order = order
	s.entries = entries
	s.version++
	return res
}

// Append merges one alert. A known key keeps its position, status and
// identity fields and takes every other field from a. A new key is kept
// across resyncs until the source of record delivers it.
func (s *Store) Append(a alert.Alert) Result {
	var res Result

	cp, err := prepare(&a)
	if err != nil {
		res.reject(0, err)
		return res
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res.Accepted = 1
	if cur, ok := s.entries[cp.Key]; ok {
		res.Duplicates = 1
		cp.Status = cur.Status
		if keepIdentity(&cp, cur) {
			res.Conflicts = 1
		}
	} else {
		cp.Status = s.statusFor(cp.Key, cp.Status)
		s.order = append(s.order, cp.Key)
		s.direct[cp.Key] = struct{}{}
	}
	s.entries[cp.Key] = &cp
	s.version++
	return res
}

// Alerts returns copies of all stored alerts, oldest-ingested first.
func (s *Store) Alerts() []alert.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]alert.Alert, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.entries[k].Clone())
	}
	return out
}

// Get returns a copy of the alert with the given key.
func (s *Store) Get(key string) (alert.Alert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.entries[key]
	if !ok {
		return alert.Alert{}, false
	}
	return a.Clone(), true
}

// Len returns the number of stored alerts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Version is incremented on every mutation.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// UpdateStatus applies fn to the current status of key and stores the
// result. fn runs under the store lock and must not call back into s.
func (s *Store) UpdateStatus(key string, fn func(cur alert.Status) (alert.Status, error)) (alert.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.entries[key]
	if !ok {
		return alert.Alert{}, ErrNotFound
	}
	next, err := fn(a.Status)
	if err != nil {
		return alert.Alert{}, err
	}
	if next == a.Status {
		return a.Clone(), nil
	}
	a.Status = next
	s.ledger[key] = next
	s.version++
	return a.Clone(), nil
}

// SeedStatuses restores persisted operator state. Seeded statuses
// override whatever the source of record delivers for those keys.
func (s *Store) SeedStatuses(statuses map[string]alert.Status) {
	if len(statuses) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, st := range statuses {
		if !st.Valid() {
			continue
		}
		s.ledger[k] = st
		if a, ok := s.entries[k]; ok {
			a.Status = st
		}
	}
	s.version++
}
