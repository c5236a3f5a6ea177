// Package aggregate computes the dashboard reductions over an alert set:
// severity distribution, timeline buckets, top sources, attack names and
// techniques. Every function is pure.
package aggregate

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/linnemanlabs/idswatch/internal/alert"
)

// ErrUnknownSeverity is returned when an alert carries a severity outside
// low, medium and high.
var ErrUnknownSeverity = errors.New("unknown severity")

// DefaultBucket is the timeline bucket width.
const DefaultBucket = time.Minute

// Count is one labelled tally.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// SeverityCounts is the severity distribution.
type SeverityCounts struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// Total returns the number of counted alerts.
func (c SeverityCounts) Total() int { return c.High + c.Medium + c.Low }

// Severity counts alerts per severity.
func Severity(alerts []alert.Alert) (SeverityCounts, error) {
	var c SeverityCounts
	for i := range alerts {
		switch alerts[i].Severity {
		case alert.SeverityHigh:
			c.High++
		case alert.SeverityMedium:
			c.Medium++
		case alert.SeverityLow:
			c.Low++
		default:
			return SeverityCounts{}, fmt.Errorf("%w: %q", ErrUnknownSeverity, alerts[i].Severity)
		}
	}
	return c, nil
}

// counter tallies keys in first-seen order.
type counter struct {
	idx  map[string]int
	list []Count
}

func newCounter() *counter {
	return &counter{idx: make(map[string]int)}
}

func (c *counter) add(key string) {
	if i, ok := c.idx[key]; ok {
		c.list[i].Count++
		return
	}
	c.idx[key] = len(c.list)
	c.list = append(c.list, Count{Key: key, Count: 1})
}

func (c *counter) counts() []Count {
	if c.list == nil {
		return []Count{}
	}
	return c.list
}

// Timeline buckets alerts into fixed-width UTC windows keyed by the
// RFC 3339 bucket start. Buckets appear in first-seen order. A
// non-positive bucket selects DefaultBucket.
func Timeline(alerts []alert.Alert, bucket time.Duration) []Count {
	if bucket <= 0 {
		bucket = DefaultBucket
	}
	c := newCounter()
	for i := range alerts {
		start := alerts[i].Timestamp.UTC().Truncate(bucket)
		c.add(start.Format(time.RFC3339))
	}
	return c.counts()
}

// SourceOrder selects how TopSources ranks addresses before truncation.
type SourceOrder string

const (
	// FirstSeen keeps the order in which addresses first appeared.
	FirstSeen SourceOrder = "first-seen"

	// ByCount sorts by descending count, ties broken by first appearance.
	ByCount SourceOrder = "count"
)

// ParseSourceOrder maps a flag value to a SourceOrder.
func ParseSourceOrder(v string) (SourceOrder, error) {
	switch SourceOrder(strings.ToLower(strings.TrimSpace(v))) {
	case "", FirstSeen:
		return FirstSeen, nil
	case ByCount:
		return ByCount, nil
	default:
		return "", fmt.Errorf("unknown source order %q (want %q or %q)", v, FirstSeen, ByCount)
	}
}

// TopSources counts alerts per source IP and returns at most n entries.
// n <= 0 returns every source.
func TopSources(alerts []alert.Alert, n int, order SourceOrder) []Count {
	c := newCounter()
	for i := range alerts {
		c.add(alerts[i].SourceIP())
	}
	out := c.counts()
	if order == ByCount {
		out = append([]Count(nil), out...)
		sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	}
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// AttackNames counts alerts per attack name in first-seen order.
func AttackNames(alerts []alert.Alert) []Count {
	c := newCounter()
	for i := range alerts {
		c.add(alerts[i].AttackName)
	}
	return c.counts()
}

// Techniques counts alerts per technique id in first-seen order. Alerts
// without a technique are skipped.
func Techniques(alerts []alert.Alert) []Count {
	c := newCounter()
	for i := range alerts {
		if t := alerts[i].MitreTechnique; t != "" {
			c.add(t)
		}
	}
	return c.counts()
}

// Options tunes Summarize.
type Options struct {
	Bucket      time.Duration
	TopSources  int
	SourceOrder SourceOrder
}

// Summary bundles every aggregate view.
type Summary struct {
	Total       int            `json:"total"`
	Severity    SeverityCounts `json:"severity"`
	Timeline    []Count        `json:"timeline"`
	TopSources  []Count        `json:"top_sources"`
	AttackNames []Count        `json:"attack_names"`
	Techniques  []Count        `json:"techniques"`
}

// Summarize computes all aggregates for alerts.
func Summarize(alerts []alert.Alert, opts Options) (Summary, error) {
	sev, err := Severity(alerts)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Total:       len(alerts),
		Severity:    sev,
		Timeline:    Timeline(alerts, opts.Bucket),
		TopSources:  TopSources(alerts, opts.TopSources, opts.SourceOrder),
		AttackNames: AttackNames(alerts),
		Techniques:  Techniques(alerts),
	}, nil
}
