package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduleWithoutJitter(t *testing.T) {
	b := Backoff{Jitter: -1}.WithDefaults()
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30, 30, 30}
	for i, w := range want {
		assert.Equal(t, w*time.Second, b.Delay(i), "attempt %d", i)
	}
	assert.False(t, b.Dormant(9))
	assert.True(t, b.Dormant(10))
	assert.Equal(t, 60*time.Second, b.Delay(10))
	assert.Equal(t, 60*time.Second, b.Delay(500))
}

func TestJitterStaysInBounds(t *testing.T) {
	b := Backoff{}.WithDefaults()
	for i := 0; i < 1000; i++ {
		d := b.Delay(3)
		assert.GreaterOrEqual(t, d, time.Duration(float64(8*time.Second)*0.8))
		assert.LessOrEqual(t, d, time.Duration(float64(8*time.Second)*1.2))
	}
}

func TestDefaults(t *testing.T) {
	b := Backoff{}.WithDefaults()
	assert.Equal(t, DefaultBaseDelay, b.BaseDelay)
	assert.Equal(t, DefaultMaxDelay, b.MaxDelay)
	assert.Equal(t, DefaultMaxAttempts, b.MaxAttempts)
	assert.Equal(t, DefaultDormantInterval, b.DormantInterval)
	assert.Equal(t, DefaultJitter, b.Jitter)

	b = Backoff{BaseDelay: time.Minute, MaxDelay: time.Second}.WithDefaults()
	assert.Equal(t, time.Minute, b.MaxDelay)
}
