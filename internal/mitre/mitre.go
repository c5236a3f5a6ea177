// Package mitre is a read-only lookup table of ATT&CK techniques keyed by
// technique id, plus the ordered kill chain used to report which attack
// stages are active in a set of alerts.
package mitre

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/idswatch/internal/aggregate"
	"github.com/linnemanlabs/idswatch/internal/alert"
)

//go:embed techniques.yaml
var defaultKB []byte

// Technique describes one ATT&CK technique.
type Technique struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Tactic      string   `yaml:"tactic" json:"tactic"`
	Description string   `yaml:"description" json:"description"`
	Risk        string   `yaml:"risk" json:"risk"`
	Mitigations []string `yaml:"mitigations" json:"mitigations"`
	// Stage is the tactic's zero-based position in the kill chain.
	Stage int `yaml:"-" json:"stage"`
}

// Stage is one kill-chain step and whether any alert maps to it.
type Stage struct {
	Tactic string `json:"tactic"`
	Active bool   `json:"active"`
	Count  int    `json:"count"`
}

type kbFile struct {
	KillChain  []string    `yaml:"kill_chain"`
	Techniques []Technique `yaml:"techniques"`
}

// KB is an immutable technique table. Safe for concurrent use.
type KB struct {
	killChain  []string
	stages     map[string]int
	techniques map[string]Technique
}

var loadDefault = sync.OnceValue(func() *KB {
	kb, err := Parse(defaultKB)
	if err != nil {
		panic(fmt.Sprintf("mitre: embedded knowledge base: %v", err))
	}
	return kb
})

// Default returns the built-in knowledge base.
func Default() *KB {
	return loadDefault()
}

// LoadFile reads a knowledge base from a YAML file.
func LoadFile(path string) (*KB, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge base: %w", err)
	}
	kb, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse knowledge base %s: %w", path, err)
	}
	return kb, nil
}

// Parse decodes and validates a YAML knowledge base.
func Parse(data []byte) (*KB, error) {
	var f kbFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}

	kb := &KB{
		stages:     make(map[string]int, len(f.KillChain)),
		techniques: make(map[string]Technique, len(f.Techniques)),
	}

	var errs []error
	if len(f.KillChain) == 0 {
		errs = append(errs, errors.New("kill_chain is empty"))
	}
	for _, tactic := range f.KillChain {
		tactic = strings.TrimSpace(tactic)
		if tactic == "" {
			errs = append(errs, errors.New("kill_chain contains an empty tactic"))
			continue
		}
		if _, dup := kb.stages[tactic]; dup {
			errs = append(errs, fmt.Errorf("kill_chain lists %q twice", tactic))
			continue
		}
		kb.stages[tactic] = len(kb.killChain)
		kb.killChain = append(kb.killChain, tactic)
	}

	for i, t := range f.Techniques {
		t.ID = normalizeID(t.ID)
		t.Tactic = strings.TrimSpace(t.Tactic)
		if t.ID == "" {
			errs = append(errs, fmt.Errorf("techniques[%d]: id is required", i))
			continue
		}
		if _, dup := kb.techniques[t.ID]; dup {
			errs = append(errs, fmt.Errorf("technique %s defined twice", t.ID))
			continue
		}
		if strings.TrimSpace(t.Name) == "" {
			errs = append(errs, fmt.Errorf("technique %s: name is required", t.ID))
		}
		stage, ok := kb.stages[t.Tactic]
		if !ok {
			errs = append(errs, fmt.Errorf("technique %s: tactic %q is not in the kill chain", t.ID, t.Tactic))
			continue
		}
		t.Stage = stage
		kb.techniques[t.ID] = t
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return kb, nil
}

func normalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// Lookup returns the technique for id. Unknown ids are not an error.
func (kb *KB) Lookup(id string) (Technique, bool) {
	t, ok := kb.techniques[normalizeID(id)]
	if !ok {
		return Technique{}, false
	}
	t.Mitigations = slices.Clone(t.Mitigations)
	return t, true
}

// Len returns the number of known techniques.
func (kb *KB) Len() int { return len(kb.techniques) }

// KillChain returns the tactics in stage order.
func (kb *KB) KillChain() []string {
	return slices.Clone(kb.killChain)
}

func (kb *KB) tacticOf(a *alert.Alert) (string, bool) {
	if a.MitreTechnique == "" {
		return "", false
	}
	t, ok := kb.techniques[normalizeID(a.MitreTechnique)]
	if !ok {
		return "", false
	}
	return t.Tactic, true
}

// Coverage returns every kill-chain stage in order, marked active when
// at least one alert maps to it through a known technique.
func (kb *KB) Coverage(alerts []alert.Alert) []Stage {
	counts := make([]int, len(kb.killChain))
	for i := range alerts {
		if tactic, ok := kb.tacticOf(&alerts[i]); ok {
			counts[kb.stages[tactic]]++
		}
	}
	out := make([]Stage, len(kb.killChain))
	for i, tactic := range kb.killChain {
		out[i] = Stage{Tactic: tactic, Active: counts[i] > 0, Count: counts[i]}
	}
	return out
}

// TacticCounts counts alerts per tactic in first-seen order. Alerts with
// no technique or an unknown one are skipped.
func (kb *KB) TacticCounts(alerts []alert.Alert) []aggregate.Count {
	idx := make(map[string]int)
	out := []aggregate.Count{}
	for i := range alerts {
		tactic, ok := kb.tacticOf(&alerts[i])
		if !ok {
			continue
		}
		if j, seen := idx[tactic]; seen {
			out[j].Count++
			continue
		}
		idx[tactic] = len(out)
		out = append(out, aggregate.Count{Key: tactic, Count: 1})
	}
	return out
}

// Used returns the known techniques referenced by alerts, in first-seen order.
func (kb *KB) Used(alerts []alert.Alert) []Technique {
	seen := make(map[string]bool)
	out := []Technique{}
	for i := range alerts {
		id := normalizeID(alerts[i].MitreTechnique)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if t, ok := kb.Lookup(id); ok {
			out = append(out, t)
		}
	}
	return out
}
