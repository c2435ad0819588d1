package activity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	c := MustDefaultClassifier()

	tests := []struct {
		name    string
		event   string
		payload any
		want    string
	}{
		{name: "channel hint wins", event: "tick", payload: map[string]any{"__ch": "heartbeat"}, want: "heartbeat"},
		{name: "channel hint normalized", event: "foo", payload: map[string]any{"__ch": "DB:counts"}, want: "db"},
		{name: "event name stem", event: "isp:call", want: "isp"},
		{name: "db prefix", event: "DB:counts", want: "db"},
		{name: "health stem", event: "health.check", want: "healthz"},
		{name: "engine before health", event: "engine-health", want: "engine"},
		{name: "reconcile", event: "reconcile:done", want: "reconcile"},
		{name: "nested label", event: "log.info", payload: map[string]any{"payload": map[string]any{"label": "ixc"}}, want: "ixc"},
		{name: "top-level label", event: "call", payload: map[string]any{"label": "Cache warmup"}, want: "cache"},
		{name: "generic without hint", event: "ok", payload: map[string]any{"x": 1}, want: Other},
		{name: "unknown channel falls through", event: "done", payload: map[string]any{"__ch": "mystery"}, want: Other},
		{name: "alias open", event: "openconectado", want: "open"},
		{name: "default message", event: "message", payload: "raw text", want: Other},
		{name: "unknown name", event: "foo", want: Other},
		{name: "known key", event: "rule", want: "rule"},
		{name: "non-object payload", event: "tick", payload: []any{1, 2}, want: Other},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.event, tt.payload))
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	c := MustDefaultClassifier()
	payload := map[string]any{"label": "sync", "payload": map[string]any{"label": "api"}}

	first := c.Classify("write", payload)
	for i := 0; i < 100; i++ {
		require.Equal(t, first, c.Classify("write", payload))
	}
	assert.Equal(t, "api", first)
}

func TestClassifierNormalize(t *testing.T) {
	c := MustDefaultClassifier()

	assert.Equal(t, "", c.Normalize(nil))
	assert.Equal(t, "", c.Normalize(""))
	assert.Equal(t, "sse", c.Normalize("SSE-stream"))
	assert.Equal(t, "whatever", c.Normalize("WhatEver"))
	assert.Equal(t, "events", c.Normalize("event.log.events"))
}

func TestClassifierUpdate(t *testing.T) {
	c := MustDefaultClassifier()
	assert.Equal(t, Other, c.Classify("billing:run", nil))

	cfg := DefaultClassifierConfig()
	cfg.Keys = append(cfg.Keys[:len(cfg.Keys)-1], "billing")
	cfg.Stems = append(cfg.Stems, Stem{Match: "billing", Key: "billing"})
	require.NoError(t, c.Update(cfg))

	assert.Equal(t, "billing", c.Classify("billing:run", nil))
	assert.True(t, c.Known("billing"))
	assert.Equal(t, Other, c.Keys()[len(c.Keys())-1], "other is appended when missing")

	// Invalid tables leave the active one in place
	assert.Error(t, c.Update(ClassifierConfig{}))
	assert.Equal(t, "billing", c.Classify("billing:run", nil))
}

func TestClassifierConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultClassifierConfig().Validate())
	assert.Error(t, ClassifierConfig{Keys: []string{"API"}}.Validate())
	assert.Error(t, ClassifierConfig{Keys: []string{"a", "a"}}.Validate())
	assert.Error(t, ClassifierConfig{Keys: []string{"a"}, Stems: []Stem{{Match: "x"}}}.Validate())
}
