package tap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolveNode(t *testing.T) {
	tests := []struct {
		event, ch, want string
	}{
		{"heartbeat", "", NodeHeartbeat},
		{"tick", "heartbeat", NodeHeartbeat},
		{"sync.run", "", NodeSync},
		{"reconcile.miss", "", NodeReconcile},
		{"db.create", "", NodeDB},
		{"db", "", NodeDB},
		{"dbx", "", NodeCore},
		{"isp.check", "", NodeAPI},
		{"call", "ixc", NodeAPI},
		{"cache:counts", "", NodeCache},
		{"job.done", "", NodeJobs},
		{"ok", "workers", NodeJobs},
		{"event.log", "", NodeEvents},
		{"healthz", "", NodeHealthz},
		{"whatever", "", NodeCore},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolveNode(tt.event, tt.ch), "event=%s ch=%s", tt.event, tt.ch)
	}
}

func TestNodeStatsRates(t *testing.T) {
	s := NewNodeStats("all", 5*time.Second)
	start := time.Unix(1_700_000_000, 0)

	for i := 0; i < 5; i++ {
		s.Observe("sync.run", "", start.Add(time.Duration(i)*time.Second))
	}
	snap := s.Snapshot()
	assert.Equal(t, int64(5), snap.Counts[NodeSync])
	assert.Equal(t, 1.0, snap.Rates[NodeSync])

	// Samples older than the window are discarded
	s.Observe("sync.run", "", start.Add(20*time.Second))
	snap = s.Snapshot()
	assert.Equal(t, int64(6), snap.Counts[NodeSync])
	assert.Empty(t, snap.Rates)
}

func TestNodeStatsFocus(t *testing.T) {
	s := NewNodeStats("DB", 0)
	now := time.Now()

	assert.Equal(t, NodeDB, s.Observe("db.error", "", now))
	assert.Equal(t, NodeSync, s.Observe("sync.run", "db", now))
	assert.Equal(t, "", s.Observe("isp.check", "", now))

	snap := s.Snapshot()
	assert.Equal(t, int64(1), snap.Counts[NodeDB])
	assert.Equal(t, int64(1), snap.Counts[NodeSync])
	assert.Zero(t, snap.Counts[NodeAPI])
}
