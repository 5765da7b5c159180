package patcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type write struct {
	addr, value uint32
}

// recorder captures every write in order
type recorder struct {
	writes []write
	failAt int
}

func (r *recorder) Write(ctx context.Context, addr, value uint32) error {
	if r.failAt > 0 && len(r.writes)+1 == r.failAt {
		return errors.New("stub went away")
	}
	r.writes = append(r.writes, write{addr, value})
	return nil
}

func (r *recorder) addrs() map[uint32]uint32 {
	out := make(map[uint32]uint32, len(r.writes))
	for _, w := range r.writes {
		out[w.addr] = w.value
	}
	return out
}

const cred uint32 = 0xc5001000

func TestSetRootIDs(t *testing.T) {
	tests := []struct {
		name      string
		effective bool
		expected  []uint32
	}{
		{
			name:      "with effective ids",
			effective: true,
			expected:  []uint32{0x04, 0x08, 0x0c, 0x10, 0x1c, 0x20, 0x14, 0x18},
		},
		{
			name:      "stealth",
			effective: false,
			expected:  []uint32{0x04, 0x08, 0x0c, 0x10, 0x1c, 0x20},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			p := New(rec, &Config{Logger: zaptest.NewLogger(t)})

			require.NoError(t, p.SetRootIDs(context.Background(), cred, tt.effective))

			expected := make(map[uint32]uint32)
			for _, off := range tt.expected {
				expected[cred+off] = 0
			}
			assert.Equal(t, expected, rec.addrs())
			assert.Len(t, rec.writes, len(tt.expected))

			if !tt.effective {
				assert.NotContains(t, rec.addrs(), cred+OffsetEUID)
				assert.NotContains(t, rec.addrs(), cred+OffsetEGID)
			}
		})
	}
}

func TestSetRootIDsDoesNotMutateDefaults(t *testing.T) {
	p := New(&recorder{}, nil)
	require.NoError(t, p.SetRootIDs(context.Background(), cred, true))
	assert.Len(t, realIDOffsets, 6)
}

func TestSetFullCapabilities(t *testing.T) {
	rec := &recorder{}
	p := New(rec, nil)

	require.NoError(t, p.SetFullCapabilities(context.Background(), cred))
	assert.Equal(t, []write{
		{cred + 0x30, 0xffffffff},
		{cred + 0x34, 0xffffffff},
		{cred + 0x38, 0xffffffff},
		{cred + 0x3c, 0xffffffff},
		{cred + 0x40, 0xffffffff},
		{cred + 0x44, 0xffffffff},
	}, rec.writes)
}

func TestDisableEnforcement(t *testing.T) {
	rec := &recorder{}
	p := New(rec, nil)

	require.NoError(t, p.DisableEnforcement(context.Background()))
	assert.Equal(t, []write{
		{0xC0A77548, 0},
		{0xC0A7754C, 0},
		{0xC0A77550, 0},
	}, rec.writes)
}

func TestDisableEnforcementCustomAddresses(t *testing.T) {
	rec := &recorder{}
	p := New(rec, &Config{EnforcementAddresses: []uint32{0xc0b00000}})

	require.NoError(t, p.DisableEnforcement(context.Background()))
	assert.Equal(t, []write{{0xc0b00000, 0}}, rec.writes)
}

func TestWriteFailureAborts(t *testing.T) {
	rec := &recorder{failAt: 3}
	p := New(rec, nil)

	err := p.SetFullCapabilities(context.Background(), cred)
	require.Error(t, err)
	assert.Len(t, rec.writes, 2)
}
