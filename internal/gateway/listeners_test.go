package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListeners_EmitInOrder(t *testing.T) {
	var l Listeners[int]
	var got []string

	l.Add(func(v int) { got = append(got, "a") })
	l.Add(func(v int) { got = append(got, "b") })
	l.Emit(1)

	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 2, l.Len())
}

func TestListeners_RemoveIsIdempotent(t *testing.T) {
	var l Listeners[int]
	calls := 0

	remove := l.Add(func(int) { calls++ })
	keep := l.Add(func(int) {})
	_ = keep

	remove()
	remove()
	l.Emit(1)

	assert.Equal(t, 0, calls)
	assert.Equal(t, 1, l.Len())
}

func TestListeners_RemoveDuringEmit(t *testing.T) {
	var l Listeners[int]
	calls := 0

	var remove func()
	remove = l.Add(func(int) {
		calls++
		remove()
	})

	l.Emit(1)
	l.Emit(2)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, l.Len())
}

func TestListeners_Clear(t *testing.T) {
	var l Listeners[string]
	l.Add(func(string) {})
	l.Add(func(string) {})

	l.Clear()
	assert.Equal(t, 0, l.Len())
	l.Emit("ignored")
}
