package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShouldProcessDropsRepeatsWithinTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	d := New(time.Minute, 100, func() time.Time { return now })

	key := PayloadKey([]byte(`{"device_id":"a","soil_moisture_percent":20}`))
	assert.True(t, d.ShouldProcess(key))
	assert.False(t, d.ShouldProcess(key))

	now = now.Add(time.Minute)
	assert.True(t, d.ShouldProcess(key), "expired entry should be processed again")
}

func TestEmptyIDAlwaysProcessed(t *testing.T) {
	d := New(time.Minute, 10, nil)
	assert.True(t, d.ShouldProcess(""))
	assert.True(t, d.ShouldProcess(""))
	assert.Equal(t, 0, d.Len())
}

func TestCapacityBounded(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	d := New(time.Hour, 3, func() time.Time { return now })

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		now = now.Add(time.Second)
		assert.True(t, d.ShouldProcess(id))
	}
	assert.Equal(t, 3, d.Len())
	// the newest ids survive
	assert.False(t, d.ShouldProcess("e"))
}

func TestPayloadKeyStable(t *testing.T) {
	assert.Equal(t, PayloadKey([]byte("x")), PayloadKey([]byte("x")))
	assert.NotEqual(t, PayloadKey([]byte("x")), PayloadKey([]byte("y")))
}
