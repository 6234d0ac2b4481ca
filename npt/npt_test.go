package npt_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcertikos/hvm/npt"
)

func TestSetMmapIdempotent(t *testing.T) {
	table := npt.New()

	const gpa, hpa = 0x100000, 0x200000

	require.NoError(t, table.SetMmap(gpa, hpa, npt.PageSize, npt.MemWriteBack))
	require.NoError(t, table.SetMmap(gpa, hpa, npt.PageSize, npt.MemWriteBack))

	regions := table.Regions()
	require.Len(t, regions, 1)
	assert.Equal(t, uint64(gpa), regions[0].GPA)
}

func TestGpaToHpaTranslation(t *testing.T) {
	table := npt.New()

	const gpa, hpa = 0x400000, 0x800000
	require.NoError(t, table.SetMmap(gpa, hpa, npt.PageSize, npt.MemWriteBack))

	for k := uint64(0); k < npt.PageSize; k += 512 {
		got, err := table.GpaToHpa(gpa + k)
		require.NoError(t, err)
		assert.Equal(t, hpa+k, got)
	}
}

func TestGpaToHpaUnmapped(t *testing.T) {
	table := npt.New()

	_, err := table.GpaToHpa(0xdeadb000)
	assert.ErrorIs(t, err, npt.ErrNotMapped)
}

func TestSetMmapRejectsMisaligned(t *testing.T) {
	table := npt.New()

	err := table.SetMmap(0x1001, 0x2000, npt.PageSize, npt.MemWriteBack)
	assert.ErrorIs(t, err, npt.ErrMisaligned)
}

func TestInvalidateFollowsEverySetMmap(t *testing.T) {
	table := npt.New()

	require.NoError(t, table.SetMmap(0x1000, 0x2000, npt.PageSize, npt.MemWriteBack))
	require.NoError(t, table.SetMmap(0x3000, 0x4000, npt.PageSize, npt.MemWriteBack))

	assert.Equal(t, 2, table.Invalidations())
}

func TestVGAWindowMapsToFramebufferBase(t *testing.T) {
	table := npt.New()
	require.NoError(t, table.IdentityMapVGA(0xf0000000))

	hpa, err := table.GpaToHpa(npt.VGAWindowStart)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xf0000000), hpa)
}
