package locator

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

var profile34 = kernel.Profile{
	Name:           "goldfish-3.4",
	Version:        kernel.Version{Major: 3, Minor: 4},
	OffsetToName:   0x288,
	OffsetToParent: 0xe0,
}

// putDescriptor lays out the words the signature check looks at plus the
// name, for a descriptor at base
func putDescriptor(stub *stubtest.Stub, base uint32, name string, cred uint32) {
	stub.PutWord(base+0x288-8, cred)
	stub.PutWord(base+0x288-4, cred)
	stub.PutString(base+0x288, name)
}

func newLocator(t *testing.T, stub *stubtest.Stub, policy Policy) *Locator {
	t.Helper()
	ch := gdbstub.New(stub, &gdbstub.Config{Logger: zaptest.NewLogger(t)})
	require.NoError(t, ch.Attach(context.Background()))
	return New(ch, profile34, &Config{Policy: policy, Logger: zaptest.NewLogger(t)})
}

func TestLocateSingleValidCandidate(t *testing.T) {
	stub := stubtest.New()
	putDescriptor(stub, 0xc1234000, "STAGER", 0xc2000100)

	// misaligned copy of the name, e.g. in a path buffer
	stub.PutString(0xc0500003, "STAGER")
	// aligned copy whose surrounding words differ
	stub.PutWord(0xc0600000, 0x11111111)
	stub.PutWord(0xc0600004, 0x22222222)
	stub.PutString(0xc0600008, "STAGER")

	base, err := newLocator(t, stub, PolicyLast).Locate(context.Background(), "STAGER")
	require.NoError(t, err)
	assert.Equal(t, uint32(0xc1234000), base)
}

func TestLocateNotFound(t *testing.T) {
	stub := stubtest.New()
	stub.PutString(0xc0500003, "STAGER")

	_, err := newLocator(t, stub, PolicyLast).Locate(context.Background(), "STAGER")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocateNoMatches(t *testing.T) {
	_, err := newLocator(t, stubtest.New(), PolicyLast).Locate(context.Background(), "adbd")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocatePolicies(t *testing.T) {
	setup := func() *stubtest.Stub {
		stub := stubtest.New()
		putDescriptor(stub, 0xc1000000, "sh", 0xc2000100)
		putDescriptor(stub, 0xc3000000, "sh", 0xc2000200)
		return stub
	}

	tests := []struct {
		policy   Policy
		expected uint32
		err      error
	}{
		{PolicyLast, 0xc3000000, nil},
		{PolicyFirst, 0xc1000000, nil},
		{PolicyUnique, 0, ErrAmbiguous},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			base, err := newLocator(t, setup(), tt.policy).Locate(context.Background(), "sh")
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, base)
		})
	}
}

func TestLocateSearchesKernelWindow(t *testing.T) {
	stub := stubtest.New()
	putDescriptor(stub, 0xc1234000, "STAGER", 0xc2000100)

	_, err := newLocator(t, stub, PolicyLast).Locate(context.Background(), "STAGER")
	require.NoError(t, err)
	assert.Contains(t, stub.Commands(), `find 0xc0000000, +0x40000000, "STAGER"`)
	assert.Contains(t, stub.Commands(), "x/6xw 0xc1234280")
}

func TestIsDescriptorSignature(t *testing.T) {
	assert.True(t, IsDescriptorSignature([]uint32{0xc2000100, 0xc2000100, 0x41475453}))
	assert.False(t, IsDescriptorSignature([]uint32{0xc2000100, 0xc2000104}))
	assert.False(t, IsDescriptorSignature([]uint32{0xc2000100}))
	assert.False(t, IsDescriptorSignature(nil))
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("first")
	require.NoError(t, err)
	assert.Equal(t, PolicyFirst, p)

	_, err = ParsePolicy("random")
	assert.Error(t, err)
}
