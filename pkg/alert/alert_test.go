package alert

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAlert struct {
	Base
	processed int
}

func (s *stubAlert) Process(context.Context) error {
	s.processed++
	return nil
}

func TestBaseDefaults(t *testing.T) {
	b := NewBase(&Event{MessageID: "m1", Channel: "channel.follow"})
	assert.Equal(t, DefaultPriority, b.Priority())
	assert.False(t, b.QueueSkip())
	assert.True(t, b.Store())
}

func TestLessOrdering(t *testing.T) {
	mk := func(priority int, ts float64, id string) Alert {
		return &stubAlert{Base: Base{
			Evt:  &Event{MessageID: id, Timestamp: ts},
			Opts: Options{Priority: priority},
		}}
	}

	t.Run("priority wins", func(t *testing.T) {
		assert.True(t, Less(mk(1, 99, "z"), mk(2, 1, "a")))
	})
	t.Run("timestamp breaks priority ties", func(t *testing.T) {
		assert.True(t, Less(mk(2, 5, "z"), mk(2, 10, "a")))
	})
	t.Run("message id breaks full ties", func(t *testing.T) {
		assert.True(t, Less(mk(2, 5, "a"), mk(2, 5, "b")))
		assert.False(t, Less(mk(2, 5, "b"), mk(2, 5, "a")))
	})
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register("channel.follow", func(evt *Event) Alert {
		b := NewBase(evt)
		b.Opts.Priority = 1
		return &stubAlert{Base: b}
	})

	t.Run("registered topic uses its factory", func(t *testing.T) {
		a := reg.New(&Event{MessageID: "m1", Channel: "channel.follow"})
		require.IsType(t, &stubAlert{}, a)
		assert.Equal(t, 1, a.Priority())
	})

	t.Run("miss falls back to generic", func(t *testing.T) {
		a := reg.New(&Event{MessageID: "m2", Channel: "channel.unknown"})
		g, ok := a.(*GenericAlert)
		require.True(t, ok)
		assert.Equal(t, 4, g.Priority())
		assert.True(t, g.QueueSkip())
		assert.False(t, g.Store())
		assert.NoError(t, g.Process(context.Background()))
	})
}

func TestIsTest(t *testing.T) {
	assert.True(t, (&Event{MessageID: "test_abc"}).IsTest())
	assert.False(t, (&Event{MessageID: "abc"}).IsTest())
}
