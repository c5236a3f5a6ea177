package lifecycle

import (
	"context"
	"time"

	"github.com/linnemanlabs/idswatch/internal/alert"
)

// Record is one applied status transition.
type Record struct {
	ID    string       `json:"id"`
	Key   string       `json:"key"`
	From  alert.Status `json:"from"`
	To    alert.Status `json:"to"`
	Actor string       `json:"actor,omitempty"`
	At    time.Time    `json:"at"`
}

// StatusStore persists the transition audit log.
type StatusStore interface {
	// Append stores one record.
	Append(ctx context.Context, rec *Record) error

	// Latest returns the most recent target status of every key.
	Latest(ctx context.Context) (map[string]alert.Status, error)

	// History returns the records for key, oldest first.
	History(ctx context.Context, key string) ([]Record, error)
}
