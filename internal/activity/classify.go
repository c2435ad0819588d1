package activity

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// Other is the catch-all source key
const Other = "other"

// Stem maps event or channel names containing Match (or starting with it,
// when Prefix is set) to a source key. Stems are tried in order.
type Stem struct {
	Match  string `yaml:"match" json:"match"`
	Prefix bool   `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Key    string `yaml:"key" json:"key"`
}

// ClassifierConfig is the classification table
type ClassifierConfig struct {
	// Keys are the known source keys in display order; Other is appended
	// when missing
	Keys []string `yaml:"keys" json:"keys"`

	// Stems normalize free-form names to keys
	Stems []Stem `yaml:"stems" json:"stems"`

	// Generic event names that say nothing about their origin
	Generic []string `yaml:"generic" json:"generic"`

	// Aliases map exact event names to keys (checked last)
	Aliases map[string]string `yaml:"aliases" json:"aliases"`
}

// DefaultClassifierConfig returns the table the engine's dashboard uses
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		Keys: []string{
			"open", "heartbeat", "api", "rule", "db", "engine", "cache", "sync",
			"reconcile", "healthz", "ixc", "isp", "events", "sse", Other,
		},
		Stems: []Stem{
			{Match: "db", Prefix: true, Key: "db"},
			{Match: "engine", Key: "engine"},
			{Match: "health", Key: "healthz"},
			{Match: "cache", Key: "cache"},
			{Match: "reconcile", Key: "reconcile"},
			{Match: "heartbeat", Key: "heartbeat"},
			{Match: "events", Key: "events"},
			{Match: "ixc", Key: "ixc"},
			{Match: "isp", Key: "isp"},
			{Match: "api", Key: "api"},
			{Match: "rule", Key: "rule"},
			{Match: "sync", Key: "sync"},
			{Match: "sse", Key: "sse"},
		},
		Generic: []string{
			"ok", "call", "log.info", "log.warn", "start", "done", "tick",
			"counts", "write", "replace", "skip_overlap",
		},
		Aliases: map[string]string{
			"openconectado": "open",
			"message":       Other,
		},
	}
}

// Validate checks the table for obvious mistakes
func (c ClassifierConfig) Validate() error {
	if len(c.Keys) == 0 {
		return errors.New("classifier: at least one source key is required")
	}
	seen := make(map[string]struct{}, len(c.Keys))
	for _, k := range c.Keys {
		if k == "" || k != strings.ToLower(k) {
			return fmt.Errorf("classifier: invalid source key %q", k)
		}
		if _, dup := seen[k]; dup {
			return fmt.Errorf("classifier: duplicate source key %q", k)
		}
		seen[k] = struct{}{}
	}
	for i, s := range c.Stems {
		if s.Match == "" || s.Key == "" {
			return fmt.Errorf("classifier: stem %d needs match and key", i)
		}
	}
	return nil
}

// table is the compiled, immutable form of a ClassifierConfig
type table struct {
	keys    []string
	known   map[string]struct{}
	stems   []Stem
	generic map[string]struct{}
	aliases map[string]string
}

func compile(c ClassifierConfig) (*table, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	t := &table{
		known:   make(map[string]struct{}, len(c.Keys)+1),
		generic: make(map[string]struct{}, len(c.Generic)),
		aliases: make(map[string]string, len(c.Aliases)),
	}
	for _, k := range c.Keys {
		t.keys = append(t.keys, k)
		t.known[k] = struct{}{}
	}
	if _, ok := t.known[Other]; !ok {
		t.keys = append(t.keys, Other)
		t.known[Other] = struct{}{}
	}
	for _, s := range c.Stems {
		t.stems = append(t.stems, Stem{Match: strings.ToLower(s.Match), Prefix: s.Prefix, Key: s.Key})
	}
	for _, g := range c.Generic {
		t.generic[g] = struct{}{}
	}
	for name, key := range c.Aliases {
		t.aliases[name] = key
	}
	return t, nil
}

// Classifier maps an event to the source key it is counted under.
// Classify is pure for a given table; Update swaps the table atomically.
type Classifier struct {
	t atomic.Pointer[table]
}

// NewClassifier compiles cfg into a Classifier
func NewClassifier(cfg ClassifierConfig) (*Classifier, error) {
	t, err := compile(cfg)
	if err != nil {
		return nil, err
	}
	c := &Classifier{}
	c.t.Store(t)
	return c, nil
}

// MustDefaultClassifier returns a Classifier over DefaultClassifierConfig
func MustDefaultClassifier() *Classifier {
	c, err := NewClassifier(DefaultClassifierConfig())
	if err != nil {
		panic(err)
	}
	return c
}

// Update replaces the table. On error the previous table stays active.
func (c *Classifier) Update(cfg ClassifierConfig) error {
	t, err := compile(cfg)
	if err != nil {
		return err
	}
	c.t.Store(t)
	return nil
}

// Keys returns the known source keys in display order, Other last unless
// configured elsewhere
func (c *Classifier) Keys() []string {
	return append([]string(nil), c.t.Load().keys...)
}

// Known reports whether key is a known source key
func (c *Classifier) Known(key string) bool {
	_, ok := c.t.Load().known[key]
	return ok
}

// Normalize lower-cases v and reduces it through the stem table. Values
// that match no stem come back lower-cased.
func (c *Classifier) Normalize(v any) string {
	return c.t.Load().normalize(v)
}

// Classify resolves the source key for an event name and its decoded payload.
//
// Resolution order: the payload's "__ch" channel hint, the event name,
// a "label" (payload.label first, then label), generic operational names,
// aliases, the name itself when it is a known key, and finally Other.
func (c *Classifier) Classify(eventName string, payload any) string {
	t := c.t.Load()
	obj, _ := payload.(map[string]any)

	ch := t.normalize(obj["__ch"])
	if t.isKnown(ch) {
		return ch
	}

	if n := t.normalize(eventName); t.isKnown(n) {
		return n
	}

	if label := t.normalize(labelOf(obj)); t.isKnown(label) {
		return label
	}

	if _, ok := t.generic[eventName]; ok {
		if t.isKnown(ch) {
			return ch
		}
		return Other
	}
	if key, ok := t.aliases[eventName]; ok && t.isKnown(key) {
		return key
	}
	if t.isKnown(eventName) {
		return eventName
	}
	return Other
}

func (t *table) isKnown(k string) bool {
	if k == "" {
		return false
	}
	_, ok := t.known[k]
	return ok
}

func (t *table) normalize(v any) string {
	k := strings.ToLower(stringOf(v))
	if k == "" {
		return ""
	}
	for _, s := range t.stems {
		if s.Prefix {
			if strings.HasPrefix(k, s.Match) {
				return s.Key
			}
		} else if strings.Contains(k, s.Match) {
			return s.Key
		}
	}
	return k
}

// labelOf returns payload.label, falling back to the top-level label
func labelOf(obj map[string]any) any {
	if obj == nil {
		return nil
	}
	if inner, ok := obj["payload"].(map[string]any); ok {
		if l := stringOf(inner["label"]); l != "" {
			return l
		}
	}
	return obj["label"]
}

func stringOf(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if !x {
			return ""
		}
		return "true"
	case float64:
		if x == 0 {
			return ""
		}
		return fmt.Sprint(x)
	default:
		return fmt.Sprint(x)
	}
}
