package ddp

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()

	removers := []func(){}
	for i := range 4 {
		removers = append(removers, callbacks.Add(func() int {
			return i
		}))
	}
	assert.Equal(t, 4, callbacks.Len())

	values := func() []int {
		out := []int{}
		for _, callback := range callbacks.Get() {
			out = append(out, callback())
		}
		return out
	}
	assert.Equal(t, []int{0, 1, 2, 3}, values())

	// a snapshot is not affected by later updates
	snapshot := callbacks.Get()
	removers[1]()
	removers[1]()
	assert.Equal(t, 4, len(snapshot))
	assert.Equal(t, []int{0, 2, 3}, values())

	removers[0]()
	removers[3]()
	assert.Equal(t, []int{2}, values())
	callbacks.Add(func() int {
		return 4
	})
	assert.Equal(t, []int{2, 4}, values())
}

func TestCallbackQueueContainsPanics(t *testing.T) {
	out := []int{}
	var callbacks callbackQueue
	callbacks.add(func() {
		out = append(out, 1)
	})
	callbacks.add(func() {
		panic("callback")
	})
	callbacks.add(func() {
		out = append(out, 3)
	})
	callbacks.run()
	assert.Equal(t, []int{1, 3}, out)
}
