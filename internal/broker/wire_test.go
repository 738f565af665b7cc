package broker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFrameReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, "76", "9000", "SPY", "", "1.25"))

	fields, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, []string{"76", "9000", "SPY", "", "1.25"}, fields)
}

func TestWriteFramePrefixesPayloadLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, "API"))

	raw := buf.Bytes()
	require.GreaterOrEqual(t, len(raw), 4)
	// "API\x00" is four payload bytes.
	assert.Equal(t, uint32(4), binary.BigEndian.Uint32(raw[:4]))
	assert.Equal(t, "API\x00", string(raw[4:]))
}

func TestReadFrameRejectsOversizedFrames(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], maxFrameSize+1)
	buf.Write(header[:])

	_, err := readFrame(bufio.NewReader(&buf))
	assert.Error(t, err)
}

func TestFieldReaderTypedAccessors(t *testing.T) {
	f := newFieldReader([]string{"42", "1.5", "20260417", "SMART", "9007199254740"})

	assert.Equal(t, 42, f.int())
	assert.Equal(t, 1.5, f.float())
	assert.Equal(t, time.Date(2026, 4, 17, 0, 0, 0, 0, time.UTC), f.date())
	assert.Equal(t, "SMART", f.str())
	assert.Equal(t, int64(9007199254740), f.int64())
	assert.NoError(t, f.Error())
}

func TestFieldReaderEmptyFieldsAreZero(t *testing.T) {
	f := newFieldReader([]string{"", "", ""})
	assert.Equal(t, 0, f.int())
	assert.Equal(t, 0.0, f.float())
	assert.True(t, f.date().IsZero())
	assert.NoError(t, f.Error(), "empty wire fields decode as zero values, not errors")
}

func TestFieldReaderLatchesTruncationError(t *testing.T) {
	f := newFieldReader([]string{"1"})
	assert.Equal(t, 1, f.int())
	assert.Equal(t, "", f.str(), "reads past the end return zero values")
	assert.Error(t, f.Error())

	// Subsequent reads stay latched.
	assert.Equal(t, 0, f.int())
	assert.Error(t, f.Error())
}

func TestFormatFloatDropsTrailingZeros(t *testing.T) {
	assert.Equal(t, "1.25", formatFloat(1.25))
	assert.Equal(t, "455", formatFloat(455.0))
	assert.Equal(t, "0.05", formatFloat(0.05))
}

func TestFormatWireDate(t *testing.T) {
	assert.Equal(t, "20260417", formatWireDate(time.Date(2026, 4, 17, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "", formatWireDate(time.Time{}))
}

func TestPacerAllowsBurstUpToLimit(t *testing.T) {
	p := newPacer(3, time.Minute)
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Wait(ctx))
	}

	// The fourth call would block; a cancelled context surfaces instead of
	// hanging the test.
	blocked, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, p.Wait(blocked), context.Canceled)
}

func TestPacerWindowExpiryFreesSlots(t *testing.T) {
	p := newPacer(2, time.Minute)
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	now := base
	p.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, p.Wait(ctx))
	require.NoError(t, p.Wait(ctx))

	// Past the window the old stamps expire and a slot opens immediately.
	now = base.Add(61 * time.Second)
	require.NoError(t, p.Wait(ctx))
}
