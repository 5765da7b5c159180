package walker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/emuroot/internal/gdbstub"
	"github.com/yairfalse/emuroot/internal/gdbstub/stubtest"
	"github.com/yairfalse/emuroot/internal/kernel"
)

var profile = kernel.Profile{OffsetToName: 0x288, OffsetToParent: 0xe0}

type node struct {
	addr   uint32
	parent uint32
	name   string
	cred   uint32
}

func buildChain(stub *stubtest.Stub, nodes []node) {
	for _, n := range nodes {
		stub.PutWord(n.addr+0x288-0xe0, n.parent)
		stub.PutWord(n.addr+0x288-4, n.cred)
		stub.PutString(n.addr+0x288, n.name)
	}
}

func newWalker(t *testing.T, stub *stubtest.Stub, maxHops int) *Walker {
	t.Helper()
	ch := gdbstub.New(stub, &gdbstub.Config{Logger: zaptest.NewLogger(t)})
	require.NoError(t, ch.Attach(context.Background()))
	return New(ch, profile, &Config{MaxHops: maxHops, Logger: zaptest.NewLogger(t)})
}

func TestFindAncestorByName(t *testing.T) {
	stub := stubtest.New()
	buildChain(stub, []node{
		{addr: 0xc1000000, parent: 0xc2000000, name: "STAGER", cred: 0xc5000000},
		{addr: 0xc2000000, parent: 0xc3000000, name: "sh", cred: 0xc5000100},
		{addr: 0xc3000000, parent: 0xc4000000, name: "adbd", cred: 0xc5000200},
		{addr: 0xc4000000, parent: 0, name: "adbd", cred: 0xc5000300},
	})

	res, err := newWalker(t, stub, 0).FindAncestorByName(context.Background(), 0xc1000000, "adbd")
	require.NoError(t, err)
	assert.Equal(t, Found, res.Status)
	assert.Equal(t, uint32(0xc3000000), res.Descriptor)
	assert.Equal(t, uint32(0xc5000200), res.Cred)
	assert.Equal(t, 2, res.Hops)
	assert.NoError(t, res.Err())
}

func TestFindAncestorSkipsStart(t *testing.T) {
	stub := stubtest.New()
	buildChain(stub, []node{
		{addr: 0xc1000000, parent: 0xc2000000, name: "adbd", cred: 0xc5000000},
		{addr: 0xc2000000, parent: 0, name: "init", cred: 0xc5000100},
	})

	res, err := newWalker(t, stub, 0).FindAncestorByName(context.Background(), 0xc1000000, "adbd")
	require.NoError(t, err)
	assert.Equal(t, NotFound, res.Status)
	assert.ErrorIs(t, res.Err(), ErrAncestorNotFound)
}

// A chain that never reaches the target would spin forever without the
// hop limit and the visited set; init's parent link points at itself.
func TestFindAncestorCycle(t *testing.T) {
	stub := stubtest.New()
	buildChain(stub, []node{
		{addr: 0xc1000000, parent: 0xc2000000, name: "STAGER"},
		{addr: 0xc2000000, parent: 0xc3000000, name: "sh"},
		{addr: 0xc3000000, parent: 0xc3000000, name: "init"},
	})

	res, err := newWalker(t, stub, 0).FindAncestorByName(context.Background(), 0xc1000000, "adbd")
	require.NoError(t, err)
	assert.Equal(t, CycleDetected, res.Status)
	assert.Equal(t, uint32(0xc3000000), res.Descriptor)
	assert.ErrorIs(t, res.Err(), ErrCycleDetected)
}

func TestFindAncestorHopLimit(t *testing.T) {
	stub := stubtest.New()
	var nodes []node
	for i := uint32(0); i < 20; i++ {
		nodes = append(nodes, node{
			addr:   0xc1000000 + i*0x1000,
			parent: 0xc1000000 + (i+1)*0x1000,
			name:   "sh",
		})
	}
	buildChain(stub, nodes)

	res, err := newWalker(t, stub, 5).FindAncestorByName(context.Background(), 0xc1000000, "adbd")
	require.NoError(t, err)
	assert.Equal(t, NotFound, res.Status)
	assert.Equal(t, 5, res.Hops)
}

func TestFindAncestorProtocolFailure(t *testing.T) {
	stub := stubtest.New()
	w := newWalker(t, stub, 0)
	require.NoError(t, stub.Close())

	_, err := w.FindAncestorByName(context.Background(), 0xc1000000, "adbd")
	assert.ErrorIs(t, err, gdbstub.ErrConnection)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "found", Found.String())
	assert.Equal(t, "not-found", NotFound.String())
	assert.Equal(t, "cycle-detected", CycleDetected.String())
}
