package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeterministicClock_NextIncrements(t *testing.T) {
	clock := NewDeterministicClock()
	assert.Equal(t, int64(0), clock.Current())

	assert.Equal(t, int64(1), clock.Next())
	assert.Equal(t, int64(2), clock.Next())
	assert.Equal(t, int64(2), clock.Current())

	clock.Reset()
	assert.Equal(t, int64(1), clock.Next())
}

func TestDeterministicClock_Concurrent(t *testing.T) {
	clock := NewDeterministicClock()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clock.Next()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), clock.Current())
}

func TestIDSource_Format(t *testing.T) {
	ids := NewIDSource(1700000000000)

	assert.Equal(t, "1700000000000-1", ids.NextID())
	assert.Equal(t, "1700000000000-2", ids.NextID())

	ids.Reset()
	assert.Equal(t, "1700000000000-1", ids.NextID())
}
