package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReceipts(t *testing.T) {
	r := NewReceipts()
	r.Record("carol", "m2", t0)
	r.Record("alice", "m2", t0.Add(time.Second))
	r.Record("bob", "m1", t0)

	got := r.For("m2")
	if assert.Len(t, got, 2) {
		assert.Equal(t, "alice", got[0].Participant)
		assert.Equal(t, "carol", got[1].Participant)
	}

	r.Record("bob", "m2", t0.Add(time.Minute))
	assert.Len(t, r.For("m2"), 3)
	assert.Empty(t, r.For("m1"))

	rc, ok := r.Get("bob")
	assert.True(t, ok)
	assert.Equal(t, t0.Add(time.Minute), rc.ReadAt)

	r.Reset()
	assert.Empty(t, r.For("m2"))
}
