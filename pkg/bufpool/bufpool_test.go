package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	t.Run("SmallBuffer", func(t *testing.T) {
		buf := Get(100)
		defer Put(buf)

		assert.Len(t, buf, 100)
		assert.Equal(t, SmallSize, cap(buf))
	})

	t.Run("MediumBuffer", func(t *testing.T) {
		buf := Get(10 * 1024)
		defer Put(buf)

		assert.Len(t, buf, 10*1024)
		assert.Equal(t, MediumSize, cap(buf))
	})

	t.Run("LargeBuffer", func(t *testing.T) {
		buf := Get(512 * 1024)
		defer Put(buf)

		assert.Len(t, buf, 512*1024)
		assert.Equal(t, LargeSize, cap(buf))
	})

	t.Run("OversizedBuffer", func(t *testing.T) {
		buf := Get(2 * 1024 * 1024)
		defer Put(buf)

		assert.Len(t, buf, 2*1024*1024)
		assert.Equal(t, len(buf), cap(buf))
	})

	t.Run("ZeroSize", func(t *testing.T) {
		buf := Get(0)
		defer Put(buf)

		assert.NotNil(t, buf)
		assert.Equal(t, SmallSize, cap(buf))
	})
}

func TestGrow(t *testing.T) {
	t.Run("WithinCapacity", func(t *testing.T) {
		buf := Get(16)
		copy(buf, "frame header bytes")

		grown := Grow(buf, 100)
		defer Put(grown)

		require.Len(t, grown, 100)
		assert.Equal(t, byte('f'), grown[0])
		// Same backing array, no copy happened.
		assert.Same(t, &buf[0], &grown[0])
	})

	t.Run("CrossesSizeClass", func(t *testing.T) {
		buf := Get(SmallSize)
		buf[0] = 0xAB
		buf[SmallSize-1] = 0xCD

		grown := Grow(buf, SmallSize+1)
		defer Put(grown)

		require.Len(t, grown, SmallSize+1)
		assert.Equal(t, byte(0xAB), grown[0])
		assert.Equal(t, byte(0xCD), grown[SmallSize-1])
		assert.Equal(t, MediumSize, cap(grown))
	})
}

func TestPutIgnoresNil(t *testing.T) {
	assert.NotPanics(t, func() { Put(nil) })
}

func TestConcurrentUse(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				buf := Get(1024)
				buf[0] = byte(j)
				Put(buf)
			}
		}()
	}
	wg.Wait()
}
