package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arx-os/pointstore/internal/morton"
	"github.com/arx-os/pointstore/internal/storage"
)

func TestNextInputToProcessReturnsMortonOrder(t *testing.T) {
	r := New(1 << 30)
	idA := r.RegisterInput("a.las", 1)
	idB := r.RegisterInput("b.las", 1)
	idC := r.RegisterInput("c.las", 1)

	r.PreInitComplete(idA, 100, 10, morton.Encode(30, 0, 0), morton.Encode(30, 0, 0))
	r.PreInitComplete(idB, 100, 10, morton.Encode(10, 0, 0), morton.Encode(10, 0, 0))
	r.PreInitComplete(idC, 100, 10, morton.Encode(20, 0, 0), morton.Encode(20, 0, 0))

	first, ok := r.NextInputToProcess()
	require.True(t, ok)
	assert.Equal(t, idB, first.ID)

	second, ok := r.NextInputToProcess()
	require.True(t, ok)
	assert.Equal(t, idC, second.ID)

	third, ok := r.NextInputToProcess()
	require.True(t, ok)
	assert.Equal(t, idA, third.ID)

	_, ok = r.NextInputToProcess()
	assert.False(t, ok)
}

func TestBackPressureBlocksAdmissionOverBudget(t *testing.T) {
	r := New(50)
	idA := r.RegisterInput("a.las", 1)
	idB := r.RegisterInput("b.las", 1)
	r.PreInitComplete(idA, 10, 10, morton.Encode(1, 0, 0), morton.Encode(1, 0, 0)) // cost 100 > budget
	r.PreInitComplete(idB, 1, 1, morton.Encode(2, 0, 0), morton.Encode(2, 0, 0))

	// idA alone exceeds budget but nothing is in flight yet, so it is
	// still admitted rather than deadlocking the scheduler.
	first, ok := r.NextInputToProcess()
	require.True(t, ok)
	assert.Equal(t, idA, first.ID)

	// idB would push active size further over budget with idA still in
	// flight, so it is withheld.
	_, ok = r.NextInputToProcess()
	assert.False(t, ok)

	r.MarkReadFinished(idA)
	r.RecordInsertion(idA, storage.AttributesID(0), storage.Location{})
	assert.Equal(t, uint64(0), r.ActiveApproxSize())

	second, ok := r.NextInputToProcess()
	require.True(t, ok)
	assert.Equal(t, idB, second.ID)
}

func TestGetDoneMortonReflectsLatestCompletedAdmission(t *testing.T) {
	r := New(1 << 30)
	idA := r.RegisterInput("a.las", 1)
	idB := r.RegisterInput("b.las", 1)
	r.PreInitComplete(idA, 1, 1, morton.Encode(5, 0, 0), morton.Encode(5, 0, 0))
	r.PreInitComplete(idB, 1, 1, morton.Encode(9, 0, 0), morton.Encode(9, 0, 0))

	_, _ = r.NextInputToProcess() // admits idA
	_, _ = r.NextInputToProcess() // admits idB

	_, ok := r.GetDoneMorton()
	assert.False(t, ok)

	r.MarkReadFinished(idB)
	r.RecordInsertion(idB, storage.AttributesID(0), storage.Location{})

	watermark, ok := r.GetDoneMorton()
	require.True(t, ok)
	assert.Equal(t, morton.Encode(9, 0, 0), watermark)
}

func TestRecordInsertionAcrossSubChunks(t *testing.T) {
	r := New(1 << 30)
	id := r.RegisterInput("split.las", 2)
	r.PreInitComplete(id, 1, 1, morton.Zero, morton.Zero)
	_, _ = r.NextInputToProcess()

	src, ok := r.Get(id)
	require.True(t, ok)
	assert.False(t, src.Done())

	r.RecordInsertion(id, storage.AttributesID(1), storage.Location{Offset: 10})
	assert.False(t, src.Done())

	r.MarkReadFinished(id)
	assert.False(t, src.Done())

	r.RecordInsertion(id, storage.AttributesID(1), storage.Location{Offset: 20})
	assert.True(t, src.Done())
	assert.Len(t, src.Locations, 2)
}
