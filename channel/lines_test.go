package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEPCLine(t *testing.T) {
	t.Parallel()

	got, err := EPCLine("ANT1 RSSI:-61 EPC:304db75f196000070001e240ffff")
	require.NoError(t, err)
	assert.Equal(t, "304DB75F196000070001E240", got)

	got, err = EPCLine("   ")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = EPCLine("READER READY")
	assert.ErrorIs(t, err, ErrMalformedLine)

	_, err = EPCLine("304DB75F196000070001E24") // 23 digits
	assert.ErrorIs(t, err, ErrMalformedLine)
}

func TestRawLine(t *testing.T) {
	t.Parallel()

	got, err := RawLine("\x02 04A1B2C3 \x03\r")
	require.NoError(t, err)
	assert.Equal(t, "04A1B2C3", got)
}

func TestHandlerFor(t *testing.T) {
	t.Parallel()

	h, err := HandlerFor("epc")
	require.NoError(t, err)
	_, err = h("nothing")
	assert.ErrorIs(t, err, ErrMalformedLine)

	_, err = HandlerFor("")
	require.NoError(t, err)

	_, err = HandlerFor("morse")
	assert.Error(t, err)
}

func TestDebouncer_Window(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	d := NewDebouncer(250 * time.Millisecond)

	assert.True(t, d.Accept("A", t0))
	assert.False(t, d.Accept("A", t0.Add(100*time.Millisecond)))
	assert.False(t, d.Accept("A", t0.Add(249*time.Millisecond)))
	assert.True(t, d.Accept("A", t0.Add(300*time.Millisecond)))
	assert.True(t, d.Accept("B", t0.Add(310*time.Millisecond)))
	assert.True(t, d.Accept("A", t0.Add(320*time.Millisecond)))
}

func TestDebouncer_ZeroWindowDisabled(t *testing.T) {
	t.Parallel()

	t0 := time.Now()
	d := NewDebouncer(0)
	for i := 0; i < 3; i++ {
		assert.True(t, d.Accept("A", t0))
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()

	c := Config{Port: "/dev/ttyUSB0"}.WithDefaults()
	assert.Equal(t, DefaultBaud, c.Baud)
	assert.Equal(t, "\r\n", c.Newline)
	assert.Equal(t, DefaultReadTimeout, c.ReadTimeout)
	assert.Equal(t, DefaultReconnectInterval, c.ReconnectInterval)
	assert.Zero(t, c.Debounce)
	assert.Zero(t, c.IdleReconnect)
}
