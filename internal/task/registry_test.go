package task

import (
	"errors"
	"testing"

	"github.com/shoenig/test/must"
)

func TestRegistry_DenseMonotonicIDs(t *testing.T) {
	reg := NewRegistry()
	for want := 0; want < 5; want++ {
		must.Eq(t, want, reg.NextID())
	}
	must.Eq(t, 5, reg.Count())
}

func TestRegistry_InsertAndGet(t *testing.T) {
	reg := NewRegistry()
	id := reg.NextID()
	rec := &Record{ID: id, FuncName: "f"}
	must.NoError(t, reg.Insert(rec))

	got, ok := reg.Get(id)
	must.True(t, ok)
	must.Eq(t, rec, got)

	_, ok = reg.Get(99)
	must.False(t, ok)
}

func TestRegistry_DuplicateInsert(t *testing.T) {
	reg := NewRegistry()
	id := reg.NextID()
	must.NoError(t, reg.Insert(&Record{ID: id}))

	err := reg.Insert(&Record{ID: id})
	var dup *DuplicateTaskError
	must.True(t, errors.As(err, &dup))
	must.Eq(t, id, dup.ID)
}

func TestRegistry_ForEachInIDOrder(t *testing.T) {
	reg := NewRegistry()
	for i := 0; i < 4; i++ {
		must.NoError(t, reg.Insert(&Record{ID: reg.NextID()}))
	}
	var seen []int
	reg.ForEach(func(rec *Record) bool {
		seen = append(seen, rec.ID)
		return true
	})
	must.Eq(t, []int{0, 1, 2, 3}, seen)
}

func TestRegistry_CountByStatus(t *testing.T) {
	reg := NewRegistry()
	for i := 0; i < 3; i++ {
		rec := &Record{ID: reg.NextID()}
		must.NoError(t, rec.Transition(Unsched, Pending))
		if i == 0 {
			must.NoError(t, rec.Transition(Pending, Launched))
			must.NoError(t, rec.Transition(Launched, Done))
		}
		must.NoError(t, reg.Insert(rec))
	}
	counts := reg.CountByStatus()
	must.Eq(t, 1, counts[Done])
	must.Eq(t, 2, counts[Pending])
}
