package dedup

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestShouldProcess_DropsWithinTTL(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	d := NewWithClock(time.Minute, 10, clk.now)

	assert.True(t, d.ShouldProcess("a"))
	assert.False(t, d.ShouldProcess("a"))
	assert.True(t, d.ShouldProcess("b"))

	clk.t = clk.t.Add(61 * time.Second)
	assert.True(t, d.ShouldProcess("a"), "key expires after ttl")
}

func TestShouldProcess_EmptyKeyAlwaysPasses(t *testing.T) {
	d := New(time.Minute, 10)
	assert.True(t, d.ShouldProcess(""))
	assert.True(t, d.ShouldProcess(""))
	assert.Equal(t, 0, d.Len())
}

func TestShouldProcess_CapsSize(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	d := NewWithClock(time.Hour, 3, clk.now)
	for i := 0; i < 10; i++ {
		clk.t = clk.t.Add(time.Second)
		d.ShouldProcess(fmt.Sprintf("k%d", i))
	}
	assert.LessOrEqual(t, d.Len(), 3)
	// newest survives
	assert.False(t, d.ShouldProcess("k9"))
}

func TestReset(t *testing.T) {
	d := New(time.Minute, 10)
	d.ShouldProcess("x")
	d.Reset()
	assert.True(t, d.ShouldProcess("x"))
}
