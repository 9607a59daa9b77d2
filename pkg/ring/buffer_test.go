package ring

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pushN(b *Buffer, from, n int) {
	for i := from; i < from+n; i++ {
		b.Push([]byte{byte(i)}, time.Unix(int64(i), 0))
	}
}

func payloads(frames []Frame) []int {
	out := make([]int, len(frames))
	for i, f := range frames {
		out[i] = int(f.Data[0])
	}
	return out
}

func TestNewDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(0).Cap())
	assert.Equal(t, DefaultCapacity, New(-3).Cap())
	assert.Equal(t, 25, New(25).Cap())
}

func TestExportBelowCapacity(t *testing.T) {
	for k := 0; k <= 5; k++ {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			b := New(5)
			pushN(b, 0, k)
			frames := b.Export(false)
			require.Len(t, frames, k)
			for i, f := range frames {
				assert.Equal(t, i, int(f.Data[0]))
				assert.Equal(t, uint64(i), f.Seq)
				assert.Equal(t, time.Unix(int64(i), 0), f.Time)
			}
			assert.Equal(t, k, b.Len())
			assert.Zero(t, b.Stats().Dropped)
		})
	}
}

func TestExportAfterWrap(t *testing.T) {
	for m := 1; m <= 12; m++ {
		t.Run(fmt.Sprintf("m=%d", m), func(t *testing.T) {
			b := New(5)
			pushN(b, 0, 5+m)
			want := []int{m, m + 1, m + 2, m + 3, m + 4}
			assert.Equal(t, want, payloads(b.Export(false)))
			assert.Equal(t, 5, b.Len())
			assert.Equal(t, Stats{Pushed: uint64(5 + m), Dropped: uint64(m)}, b.Stats())
		})
	}
}

func TestExportReset(t *testing.T) {
	b := New(4)
	pushN(b, 0, 6)
	assert.Equal(t, []int{2, 3, 4, 5}, payloads(b.Export(true)))
	assert.Empty(t, b.Export(false))
	assert.Zero(t, b.Len())

	// sequence numbers keep counting after a reset
	pushN(b, 10, 1)
	frames := b.Export(false)
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(6), frames[0].Seq)
}

func TestClear(t *testing.T) {
	b := New(3)
	pushN(b, 0, 7)
	b.Clear()
	assert.Empty(t, b.Export(false))
	pushN(b, 20, 2)
	assert.Equal(t, []int{20, 21}, payloads(b.Export(false)))
}

func TestTail(t *testing.T) {
	b := New(10)
	pushN(b, 0, 14)
	assert.Equal(t, []int{11, 12, 13}, payloads(b.Tail(3)))
	assert.Len(t, b.Tail(100), 10)
	assert.Nil(t, b.Tail(0))
	assert.Len(t, b.Export(false), 10, "Tail must not consume frames")
}

func TestExportIsACopy(t *testing.T) {
	b := New(3)
	pushN(b, 0, 2)
	frames := b.Export(false)
	frames[0] = Frame{}
	assert.Equal(t, []int{0, 1}, payloads(b.Export(false)))
}

func TestSince(t *testing.T) {
	b := New(4)

	frames, next, missed := b.Since(0)
	assert.Empty(t, frames)
	assert.Zero(t, next)
	assert.Zero(t, missed)

	pushN(b, 0, 3)
	frames, next, missed = b.Since(0)
	assert.Equal(t, []int{0, 1, 2}, payloads(frames))
	assert.Equal(t, uint64(3), next)
	assert.Zero(t, missed)

	frames, next, missed = b.Since(next)
	assert.Empty(t, frames)
	assert.Equal(t, uint64(3), next)
	assert.Zero(t, missed)

	// 6 more frames overflow a reader sitting at 3: frames 3 and 4 are lost
	pushN(b, 3, 6)
	frames, next, missed = b.Since(3)
	assert.Equal(t, []int{5, 6, 7, 8}, payloads(frames))
	assert.Equal(t, uint64(9), next)
	assert.Equal(t, uint64(2), missed)

	frames, _, missed = b.Since(7)
	assert.Equal(t, []int{7, 8}, payloads(frames))
	assert.Zero(t, missed)
}

func TestConcurrentPushExport(t *testing.T) {
	const (
		capacity = 16
		pushes   = 5000
		frameLen = 32
	)
	b := New(capacity)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < pushes; i++ {
			data := make([]byte, frameLen)
			for j := range data {
				data[j] = byte(i)
			}
			b.Push(data, time.Time{})
		}
	}()

	for i := 0; i < 500; i++ {
		frames := b.Export(false)
		require.LessOrEqual(t, len(frames), capacity)
		for n, f := range frames {
			require.Len(t, f.Data, frameLen)
			for _, v := range f.Data {
				require.Equal(t, f.Data[0], v, "torn frame")
			}
			if n > 0 {
				require.Equal(t, frames[n-1].Seq+1, f.Seq, "frames out of order")
			}
		}
	}
	wg.Wait()
	assert.Equal(t, Stats{Pushed: pushes, Dropped: pushes - capacity}, b.Stats())
}
