package virtio_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcertikos/hvm/virtio"
)

// flatMemory is a direct-mapped Memory for tests: gpa == hpa.
type flatMemory []byte

func (m flatMemory) GpaToHpa(gpa uint64) (uint64, error) { return gpa, nil }
func (m flatMemory) Bytes() []byte                       { return m }

type recordingOps struct {
	vring *virtio.Vring
	seen  []uint16
}

func (o *recordingOps) GetVring(vqIdx int) (*virtio.Vring, bool) {
	if vqIdx != 0 {
		return nil, false
	}

	return o.vring, true
}

func (o *recordingOps) HandleReq(mem virtio.Memory, vqIdx int, descIdx uint16) error {
	o.seen = append(o.seen, descIdx)

	return nil
}

// TestVirtqueueOrder matches spec.md §8: a producer that enqueues
// descriptor indices 3, 7, 2 onto the available ring causes handle_req
// to be called with 3 then 7 then 2, in order.
func TestVirtqueueOrder(t *testing.T) {
	const queueSize = 8
	mem := make(flatMemory, 1<<20)

	vring := &virtio.Vring{QueueSize: queueSize}
	vring.Init(0x1000)

	// Populate avail ring with descriptor indices 3, 7, 2.
	order := []uint16{3, 7, 2}
	for i, d := range order {
		off := vring.AvailGuestAddr + 4 + 2*uint64(i)
		binary.LittleEndian.PutUint16(mem[off:], d)
	}

	binary.LittleEndian.PutUint16(mem[vring.AvailGuestAddr+2:], uint16(len(order)))

	ops := &recordingOps{vring: vring}
	dev := virtio.NewDevice(5, func() {}, ops)

	require.NoError(t, dev.Notify(mem, 0))
	assert.Equal(t, order, ops.seen)
	assert.Equal(t, uint16(len(order)), vring.LastAvailIdx)
}

func TestVringInitLayout(t *testing.T) {
	vring := &virtio.Vring{QueueSize: 8}
	vring.Init(0x2000)

	assert.Equal(t, uint64(0x2000), vring.DescGuestAddr)
	assert.Equal(t, uint64(0x2000+16*8), vring.AvailGuestAddr)
	assert.Equal(t, uint64(0), vring.UsedGuestAddr%4096)
}

func TestDequeueEmptyQueue(t *testing.T) {
	mem := make(flatMemory, 1<<16)
	vring := &virtio.Vring{QueueSize: 8}
	vring.Init(0x100)

	_, ok, err := vring.DequeueReq(mem)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAppendUsedAdvancesIdx(t *testing.T) {
	mem := make(flatMemory, 1<<16)
	vring := &virtio.Vring{QueueSize: 8}
	vring.Init(0x100)

	require.NoError(t, vring.AppendUsed(mem, 3, 512))

	idx, err := vring.UsedIdx(mem)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), idx)
}
