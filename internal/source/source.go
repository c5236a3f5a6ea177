// Package source defines how idswatch obtains alerts: a Fetcher pulls a
// full batch from the source of record, a Subscriber opens a live channel
// whose messages announce new alerts.
package source

import (
	"context"

	"github.com/linnemanlabs/idswatch/internal/alert"
)

// Batch is one full read of the source of record.
type Batch struct {
	// Count is the count the source reported, which may differ from
	// len(Alerts) when records were rejected.
	Count  int
	Alerts []alert.Alert

	// Rejected holds one *alert.MalformedError per record that failed to decode.
	Rejected []error
}

// Fetcher reads the complete alert set.
type Fetcher interface {
	Fetch(ctx context.Context) (*Batch, error)
}

// Event is one live-channel message. Err is set when the payload could
// not be decoded; the message still counts as a change notification.
type Event struct {
	Alert alert.Alert
	Err   error
}

// Subscription is an open live channel. Events is closed when the
// channel terminates; Err then reports why (nil for a clean close).
type Subscription interface {
	Events() <-chan Event
	Err() error
	Close() error
}

// Subscriber opens live channels.
type Subscriber interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// DecodeEvent turns one message payload into an Event.
func DecodeEvent(payload []byte) Event {
	a, err := alert.Decode(payload)
	if err != nil {
		return Event{Err: err}
	}
	return Event{Alert: a}
}
