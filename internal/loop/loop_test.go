package loop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDrainRunsInPostOrder(t *testing.T) {
	l := New(nil)
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	assert.Equal(t, 5, l.Pending())
	assert.Equal(t, 5, l.Drain())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
	assert.Equal(t, 0, l.Drain())
}

func TestDrainDefersMutationsPostedDuringDrain(t *testing.T) {
	l := New(nil)
	ran := 0
	l.Post(func() {
		ran++
		l.Post(func() { ran++ })
	})
	assert.Equal(t, 1, l.Drain())
	assert.Equal(t, 1, ran)
	assert.Equal(t, 1, l.Drain())
	assert.Equal(t, 2, ran)
}

func TestDrainRecoversPanics(t *testing.T) {
	l := New(nil)
	after := false
	l.Post(func() { panic("boom") })
	l.Post(func() { after = true })
	assert.NotPanics(t, func() { l.Drain() })
	assert.True(t, after)
}

func TestRunDrainsOnWake(t *testing.T) {
	l := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx, time.Hour)

	done := make(chan struct{})
	l.Post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("posted mutation did not run")
	}
}
