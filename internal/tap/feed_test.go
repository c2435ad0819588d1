package tap

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func names(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func TestFeedBounded(t *testing.T) {
	f := NewFeed(3)
	assert.Empty(t, f.Entries())

	f.Push(Entry{Name: "a"})
	f.Push(Entry{Name: "b"})
	assert.Equal(t, []string{"a", "b"}, names(f.Entries()))
	assert.Equal(t, 2, f.Len())

	f.Push(Entry{Name: "c"})
	f.Push(Entry{Name: "d"})
	f.Push(Entry{Name: "e"})
	assert.Equal(t, []string{"c", "d", "e"}, names(f.Entries()))
	assert.Equal(t, 3, f.Len())
}

func TestFeedDefaultSize(t *testing.T) {
	f := NewFeed(0)
	for i := 0; i < DefaultFeedSize+50; i++ {
		f.Push(Entry{Name: fmt.Sprint(i)})
	}
	entries := f.Entries()
	assert.Len(t, entries, DefaultFeedSize)
	assert.Equal(t, "50", entries[0].Name)
	assert.Equal(t, fmt.Sprint(DefaultFeedSize+49), entries[len(entries)-1].Name)
}
