package chunk

import (
	"math"
	"math/rand"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/genbroker/pkg/types"
)

func TestAddInOrder(t *testing.T) {
	r := New(0)

	_, done, err := r.Add("j1", 0, 3, []byte("AAA"))
	require.NoError(t, err)
	assert.False(t, done)

	_, done, _ = r.Add("j1", 1, 3, []byte("BBB"))
	assert.False(t, done)

	p, ok := r.InProgress("j1")
	require.True(t, ok)
	assert.Equal(t, Progress{Received: 2, Total: 3}, p)

	payload, done, err := r.Add("j1", 2, 3, []byte("CC"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "AAABBBCC", string(payload))
	assert.Equal(t, 0, r.Len())
}

// 任意順序送達，組裝結果都相同
func TestAddOrderIndependent(t *testing.T) {
	parts := []string{"aGVs", "bG8g", "d29y", "bGQh"}
	want := "aGVsbG8gd29ybGQh"
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for round := 0; round < 50; round++ {
		r := New(0)
		perm := rng.Perm(len(parts))

		var got []byte
		completions := 0
		for _, i := range perm {
			payload, done, err := r.Add("j1", i, len(parts), []byte(parts[i]))
			require.NoError(t, err)
			if done {
				completions++
				got = payload
			}
		}
		require.Equal(t, 1, completions, "perm %v", perm)
		assert.Equal(t, want, string(got), "perm %v", perm)
	}
}

func TestDuplicateIndexLastWriteWins(t *testing.T) {
	r := New(0)
	_, _, _ = r.Add("j1", 0, 2, []byte("old"))
	_, done, _ := r.Add("j1", 0, 2, []byte("new"))
	assert.False(t, done, "a duplicate index does not count twice")

	payload, done, err := r.Add("j1", 1, 2, []byte("!"))
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, "new!", string(payload))
}

func TestFirstTotalIsAuthoritative(t *testing.T) {
	r := New(0)
	_, _, err := r.Add("j1", 0, 3, []byte("a"))
	require.NoError(t, err)

	_, done, err := r.Add("j1", 1, 2, []byte("b"))
	assert.ErrorIs(t, err, ErrTotalMismatch)
	assert.False(t, done, "two distinct chunks do not complete a total of three")

	_, _, err = r.Add("j1", 3, 4, []byte("x"))
	assert.ErrorIs(t, err, ErrIndexOutOfRange)

	payload, done, _ := r.Add("j1", 2, 3, []byte("c"))
	assert.True(t, done)
	assert.Equal(t, "abc", string(payload))
}

func TestInvalidChunks(t *testing.T) {
	tests := []struct {
		name    string
		index   int
		total   int
		wantErr error
	}{
		{"zero total", 0, 0, ErrInvalidTotal},
		{"negative total", 0, -1, ErrInvalidTotal},
		{"total above default limit", 0, DefaultMaxTotal + 1, ErrInvalidTotal},
		{"negative index", -1, 2, ErrIndexOutOfRange},
		{"index equals total", 2, 2, ErrIndexOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(0)
			_, done, err := r.Add("j1", tt.index, tt.total, []byte("x"))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.False(t, done)
		})
	}
}

func TestCompletedJobIgnoresLateChunks(t *testing.T) {
	r := New(0)
	_, done, _ := r.Add("j1", 0, 1, []byte("only"))
	require.True(t, done)

	payload, done, err := r.Add("j1", 0, 1, []byte("again"))
	assert.ErrorIs(t, err, ErrAlreadyComplete)
	assert.False(t, done)
	assert.Nil(t, payload)
	assert.Equal(t, 0, r.Len())
}

func TestDiscard(t *testing.T) {
	r := New(0)
	_, _, _ = r.Add("j1", 0, 2, []byte("a"))
	_, _, _ = r.Add("j2", 0, 1, []byte("b"))

	r.Discard("j1")
	r.Discard("j2")
	_, ok := r.InProgress("j1")
	assert.False(t, ok)

	// 丟棄後同一個任務可以重新開始（例如重新分派）
	payload, done, err := r.Add(types.JobID("j2"), 0, 1, []byte("c"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "c", string(payload))
}

func TestBuffersAreIndependent(t *testing.T) {
	r := New(0)
	_, _, _ = r.Add("j1", 0, 2, []byte("1a"))
	_, _, _ = r.Add("j2", 1, 2, []byte("2b"))

	p1, done, _ := r.Add("j1", 1, 2, []byte("1b"))
	require.True(t, done)
	p2, done, _ := r.Add("j2", 0, 2, []byte("2a"))
	require.True(t, done)

	assert.Equal(t, "1a1b", string(p1))
	assert.Equal(t, "2a2b", string(p2))
}

func TestTotalLimit(t *testing.T) {
	r := New(4)

	_, done, err := r.Add("j1", 0, 5, []byte("a"))
	assert.ErrorIs(t, err, ErrInvalidTotal)
	assert.False(t, done)
	assert.Zero(t, r.Len(), "rejected first chunk must not open a buffer")

	for i := 0; i < 3; i++ {
		_, done, err = r.Add("j1", i, 4, []byte("a"))
		require.NoError(t, err)
		assert.False(t, done)
	}
	payload, done, err := r.Add("j1", 3, 4, []byte("b"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "aaab", string(payload))
}

func TestHugeTotalAllocatesNothing(t *testing.T) {
	r := New(0)

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)

	_, _, err := r.Add("j1", 0, math.MaxInt32, []byte("aGVs"))
	assert.ErrorIs(t, err, ErrInvalidTotal)

	runtime.ReadMemStats(&after)
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(1<<20))
	assert.Zero(t, r.Len())
}
