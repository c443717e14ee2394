package repack

import (
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestRegistry_RunAllOrder(t *testing.T) {
	reg := NewRegistry()

	var order []int
	reg.Push(func(fatal bool) { order = append(order, 1) })
	reg.Push(func(fatal bool) { order = append(order, 2) })
	reg.Push(func(fatal bool) { order = append(order, 3) })

	reg.RunAll(false)
	assert.Equal(t, []int{3, 2, 1}, order)
}

func TestRegistry_ReleaseSkipsAction(t *testing.T) {
	reg := NewRegistry()

	var ran int
	h := reg.Push(func(fatal bool) { ran++ })
	h.Release()
	h.Release() // releasing twice is fine

	reg.RunAll(false)
	assert.Equal(t, 0, ran)
}

func TestRegistry_RunAllOnce(t *testing.T) {
	reg := NewRegistry()

	var ran int
	h := reg.Push(func(fatal bool) { ran++ })

	reg.RunAll(false)
	reg.RunAll(false)
	h.Release() // releasing after the action ran is fine
	assert.Equal(t, 1, ran)
}

func TestRegistry_FatalFlag(t *testing.T) {
	reg := NewRegistry()

	var sawFatal bool
	reg.Push(func(fatal bool) { sawFatal = fatal })

	reg.RunAll(true)
	assert.True(t, sawFatal)
}

func TestRegistry_MixedReleaseAndRun(t *testing.T) {
	reg := NewRegistry()

	var order []string
	first := reg.Push(func(fatal bool) { order = append(order, "first") })
	reg.Push(func(fatal bool) { order = append(order, "second") })
	first.Release()

	reg.RunAll(false)
	assert.Equal(t, []string{"second"}, order)
}
