package proc

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestOutputBuffer_Basic(t *testing.T) {
	buf := NewOutputBuffer(3)

	require.Equal(t, 0, buf.Len())
	require.Equal(t, 3, buf.Capacity())
	require.Empty(t, buf.Lines())
	require.Empty(t, buf.String())
}

func TestOutputBuffer_WriteAndRead(t *testing.T) {
	buf := NewOutputBuffer(5)

	buf.Write("line 1")
	buf.Write("line 2")
	buf.Write("line 3")

	require.Equal(t, 3, buf.Len())
	require.Equal(t, []string{"line 1", "line 2", "line 3"}, buf.Lines())
	require.Equal(t, "line 1\nline 2\nline 3", buf.String())
}

func TestOutputBuffer_RingBehavior(t *testing.T) {
	buf := NewOutputBuffer(3)

	buf.Write("line 1")
	buf.Write("line 2")
	buf.Write("line 3")

	buf.Write("line 4") // Overwrites "line 1"
	require.Equal(t, 3, buf.Len())
	require.Equal(t, []string{"line 2", "line 3", "line 4"}, buf.Lines())

	buf.Write("line 5")
	require.Equal(t, []string{"line 3", "line 4", "line 5"}, buf.Lines())
}

func TestOutputBuffer_LastN(t *testing.T) {
	buf := NewOutputBuffer(5)
	for i := 1; i <= 5; i++ {
		buf.Write(fmt.Sprintf("line %d", i))
	}

	require.Equal(t, []string{"line 3", "line 4", "line 5"}, buf.LastN(3))
	require.Equal(t, []string{"line 1", "line 2", "line 3", "line 4", "line 5"}, buf.LastN(10))
	require.Nil(t, buf.LastN(0))
}

func TestOutputBuffer_Clear(t *testing.T) {
	buf := NewOutputBuffer(3)
	buf.Write("a")
	buf.Write("b")
	buf.Clear()

	require.Equal(t, 0, buf.Len())
	require.Empty(t, buf.Lines())
}

func TestOutputBuffer_MinimumCapacity(t *testing.T) {
	buf := NewOutputBuffer(0)
	require.Equal(t, 1, buf.Capacity())
	buf.Write("only")
	require.Equal(t, []string{"only"}, buf.Lines())
}

func TestOutputBuffer_ConcurrentWrites(t *testing.T) {
	buf := NewOutputBuffer(100)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				buf.Write(fmt.Sprintf("writer-%d-%d", n, j))
				_ = buf.Lines()
				_ = buf.LastN(5)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 100, buf.Len())
}

// TestOutputBuffer_TailProperty verifies with rapid that for any write
// sequence the buffer holds exactly the last min(writes, capacity) lines,
// in order.
func TestOutputBuffer_TailProperty(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		capacity := rapid.IntRange(1, 20).Draw(r, "capacity")
		writes := rapid.IntRange(0, 100).Draw(r, "writes")

		buf := NewOutputBuffer(capacity)
		all := make([]string, 0, writes)
		for i := 0; i < writes; i++ {
			line := fmt.Sprintf("line-%d", i)
			buf.Write(line)
			all = append(all, line)
		}

		want := all
		if len(all) > capacity {
			want = all[len(all)-capacity:]
		}
		if len(want) == 0 {
			require.Empty(r, buf.Lines())
		} else {
			require.Equal(r, want, buf.Lines())
		}

		n := rapid.IntRange(0, writes+5).Draw(r, "n")
		lastN := buf.LastN(n)
		expectN := n
		if expectN > len(want) {
			expectN = len(want)
		}
		if expectN == 0 {
			require.Empty(r, lastN)
		} else {
			require.Equal(r, want[len(want)-expectN:], lastN)
		}
	})
}
