package broker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSecDefOptParams(t *testing.T) {
	frame := []string{
		inSecDefOptParams, "9001", "SMART", "756733", "SPY", "100",
		"2", "20260417", "20260515",
		"3", "450", "455", "460",
	}

	exps, strikes, err := decodeSecDefOptParams(frame)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		time.Date(2026, 4, 17, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 5, 15, 0, 0, 0, 0, time.UTC),
	}, exps)
	assert.Equal(t, []float64{450, 455, 460}, strikes)
}

func TestDecodeSecDefOptParamsRejectsBadExpiration(t *testing.T) {
	frame := []string{
		inSecDefOptParams, "9001", "SMART", "756733", "SPY", "100",
		"1", "not-a-date", "0",
	}

	_, _, err := decodeSecDefOptParams(frame)
	assert.Error(t, err)
}

func TestSecDefOptParamsFramesRouteByRequestID(t *testing.T) {
	// The grid frames carry no version field, so the request id sits right
	// after the message code.
	assert.Equal(t, 1, reqIDPosition(inSecDefOptParams))
	assert.Equal(t, 1, reqIDPosition(inSecDefOptParamsEnd))
}

// shortBackoffs swaps the pacing schedule for the duration of a test.
func shortBackoffs(t *testing.T) {
	t.Helper()
	orig := pacingBackoffs
	pacingBackoffs = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	t.Cleanup(func() { pacingBackoffs = orig })
}

// feedFrame delivers a frame to the route registered for the request id, the
// way the read loop would.
func feedFrame(c *IBKRClient, id int64, frame []string) {
	c.routesMu.Lock()
	ch := c.routes[id]
	c.routesMu.Unlock()
	ch <- frame
}

func TestPacingRejectionResendsRequest(t *testing.T) {
	shortBackoffs(t)
	c := NewIBKRClient("127.0.0.1", 7497, 9, false, zerolog.Nop())

	var sent []int64
	send := func(id int64) error {
		sent = append(sent, id)
		if len(sent) < 3 {
			feedFrame(c, id, []string{inErrMsg, "2", fmt.Sprint(id), "162",
				"Historical Market Data Service error message: pacing violation"})
			return nil
		}
		feedFrame(c, id, []string{inFundamentalData, "3", fmt.Sprint(id), "<ReportSnapshot/>"})
		return nil
	}

	fields, err := c.requestWithPacingRetry(context.Background(), send)
	require.NoError(t, err)
	assert.Equal(t, inFundamentalData, fields[0])
	require.Len(t, sent, 3, "each pacing rejection re-sends the request")
	assert.NotEqual(t, sent[0], sent[1], "every attempt gets a fresh request id")
	assert.NotEqual(t, sent[1], sent[2])
}

func TestPacingRetriesExhaustToPacingError(t *testing.T) {
	shortBackoffs(t)
	c := NewIBKRClient("127.0.0.1", 7497, 9, false, zerolog.Nop())

	var sent int
	send := func(id int64) error {
		sent++
		feedFrame(c, id, []string{inErrMsg, "2", fmt.Sprint(id), "162", "pacing violation"})
		return nil
	}

	_, err := c.requestWithPacingRetry(context.Background(), send)
	assert.ErrorIs(t, err, ErrBrokerPacing)
	assert.Equal(t, len(pacingBackoffs)+1, sent, "the initial send plus one per backoff")
}

func TestPacingRetrySurfacesHardErrors(t *testing.T) {
	shortBackoffs(t)
	c := NewIBKRClient("127.0.0.1", 7497, 9, false, zerolog.Nop())

	var sent int
	send := func(id int64) error {
		sent++
		feedFrame(c, id, []string{inErrMsg, "2", fmt.Sprint(id), "200", "No security definition found"})
		return nil
	}

	_, err := c.requestWithPacingRetry(context.Background(), send)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrBrokerPacing)
	assert.Equal(t, 1, sent, "non-pacing errors never retry")
}
