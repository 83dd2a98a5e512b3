package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterDeliversInOrder(t *testing.T) {
	e := NewEventEmitter()

	var order []string
	e.On("chat", func(args ...any) {
		order = append(order, "a")
	})
	e.On("chat", func(args ...any) {
		order = append(order, "b")
	})

	e.Emit("chat")
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestEmitterOnceDetaches(t *testing.T) {
	e := NewEventEmitter()

	count := 0
	e.Once("tick", func(args ...any) {
		count++
	})

	e.Emit("tick")
	e.Emit("tick")
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, e.CountOf("tick"))
}

func TestEmitterDedupSameHandler(t *testing.T) {
	e := NewEventEmitter()

	count := 0
	h := func(args ...any) {
		count++
	}
	e.On("tick", h)
	e.On("tick", h)

	e.Emit("tick")
	assert.Equal(t, 1, count)
}

func TestEmitterTagDistinguishesHandlers(t *testing.T) {
	e := NewEventEmitter()

	count := 0
	h := func(args ...any) {
		count++
	}
	e.On("tick", h, "one")
	e.On("tick", h, "two")

	e.Emit("tick")
	assert.Equal(t, 2, count)

	e.Off("tick", h, "one")
	e.Emit("tick")
	assert.Equal(t, 3, count)
}

func TestEmitterOffAll(t *testing.T) {
	e := NewEventEmitter()

	e.On("tick", func(args ...any) {})
	e.On("tick", func(args ...any) {})
	require.Equal(t, 2, e.CountOf("tick"))

	e.Off("tick", nil)
	assert.Equal(t, 0, e.CountOf("tick"))
	assert.Empty(t, e.Names())
}

func TestEmitterPanicDoesNotStopDelivery(t *testing.T) {
	e := NewEventEmitter()

	reached := false
	e.On("tick", func(args ...any) {
		panic("boom")
	})
	e.On("tick", func(args ...any) {
		reached = true
	})

	e.Emit("tick")
	assert.True(t, reached)
}

func TestEmitterPassesArgs(t *testing.T) {
	e := NewEventEmitter()

	var got []any
	e.On("msg", func(args ...any) {
		got = args
	})

	e.Emit("msg", "name", 42)
	require.Len(t, got, 2)
	assert.Equal(t, "name", got[0])
	assert.Equal(t, 42, got[1])
}
