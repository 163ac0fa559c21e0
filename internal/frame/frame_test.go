package frame

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsTruncated(t *testing.T) {
	_, err := New([]byte{0x6C, 0xF0, 0x10}, time.Now(), nil)
	require.Error(t, err)
}

func TestAccessors(t *testing.T) {
	f, err := New([]byte{0x6D, 0x10, 0xF0, byte(ModeReadBlock), 0x01, 0xAA, 0xBB}, time.Now(), nil)
	require.NoError(t, err)

	assert.Equal(t, PriorityBlock, f.Priority())
	assert.Equal(t, byte(0x10), f.Destination())
	assert.Equal(t, byte(0xF0), f.Source())
	assert.Equal(t, ModeReadBlock, f.Mode())
	assert.Equal(t, byte(0x01), f.Submode())
	assert.Equal(t, []byte{0xAA, 0xBB}, f.Payload())
}

func TestResponseFlag(t *testing.T) {
	assert.Equal(t, Mode(0x7C), ModeReadBlock.Response())
	assert.True(t, Mode(0x7C).IsResponseTo(ModeReadBlock))
	assert.False(t, Mode(0x7C).IsResponseTo(ModeSeed))
}

// Round-trip: for all byte buffers b of length >= 2, verifying
// add_block_checksum(b) succeeds, and flipping any bit fails it.
func TestBlockChecksumRoundTripAndBitFlip(t *testing.T) {
	cases := [][]byte{
		{0x01},
		{0x01, 0x02, 0x03},
		{0x00, 0x00, 0x00, 0x00, 0x00},
		make([]byte, 300),
	}
	for _, body := range cases {
		framed := AddBlockChecksum(body)
		require.True(t, VerifyBlockChecksum(framed), "checksum should verify for %v", body)

		for i := range framed {
			mutated := make([]byte, len(framed))
			copy(mutated, framed)
			mutated[i] ^= 0x01
			assert.False(t, VerifyBlockChecksum(mutated), "bit flip at %d should break verification", i)
		}
	}
}

func TestCalcBlockChecksumOverflow(t *testing.T) {
	buf := make([]byte, 300)
	for i := range buf {
		buf[i] = 0xFF
	}
	// Sum is 300*0xFF = 0x12AD4, truncated mod 0x10000.
	got := CalcBlockChecksum(buf)
	assert.Equal(t, uint16(0x2AD4), got)
}
