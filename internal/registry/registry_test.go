package registry

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/genbroker/pkg/protocol"
	"github.com/ChuLiYu/genbroker/pkg/types"
)

type fakeConn struct{ name string }

func (c *fakeConn) Send(protocol.Message) error { return nil }

func idleIDs(r *Registry) []types.WorkerID {
	var ids []types.WorkerID
	for _, w := range r.ListIdle() {
		ids = append(ids, w.ID)
	}
	return ids
}

func TestRegister(t *testing.T) {
	r := New()
	c := &fakeConn{"a"}

	id, err := r.Register(c, "https://labs.example/flow/1")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	w, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, StateIdle, w.State)
	assert.Equal(t, 1, w.PageNumber)
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, 0, r.BusyCount())
}

func TestRegisterDuplicateConnection(t *testing.T) {
	r := New()
	c := &fakeConn{"a"}

	first, err := r.Register(c, "")
	require.NoError(t, err)

	_, err = r.Register(c, "")
	assert.ErrorIs(t, err, types.ErrDuplicateRegistration)
	assert.Equal(t, 1, r.Count())

	_, ok := r.Get(first)
	assert.True(t, ok, "first registration is kept")
}

func TestSamePageURLKeepsBothWorkers(t *testing.T) {
	r := New()
	const page = "https://labs.example/flow/1"

	first, err := r.Register(&fakeConn{"old tab"}, page)
	require.NoError(t, err)
	second, err := r.Register(&fakeConn{"reloaded tab"}, page)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, r.Count())
	_, ok := r.Get(first)
	assert.True(t, ok, "older connection stays until it disconnects")
}

func TestRegisterRetriesIDCollision(t *testing.T) {
	r := New()
	seq := []types.WorkerID{"w1", "w1", "w2"}
	r.newID = func() types.WorkerID {
		id := seq[0]
		seq = seq[1:]
		return id
	}

	a, err := r.Register(&fakeConn{"a"}, "")
	require.NoError(t, err)
	b, err := r.Register(&fakeConn{"b"}, "")
	require.NoError(t, err)

	assert.Equal(t, types.WorkerID("w1"), a)
	assert.Equal(t, types.WorkerID("w2"), b)
}

func TestBusyIdleTransitions(t *testing.T) {
	r := New()
	id, _ := r.Register(&fakeConn{"a"}, "")

	require.NoError(t, r.MarkBusy(id, "j1"))
	w, _ := r.Get(id)
	assert.Equal(t, StateBusy, w.State)
	assert.Equal(t, types.JobID("j1"), w.CurrentJob)
	assert.Equal(t, 1, r.BusyCount())
	assert.Empty(t, r.ListIdle())

	err := r.MarkBusy(id, "j2")
	assert.ErrorIs(t, err, types.ErrInvalidTransition, "busy worker never takes a second job")

	require.NoError(t, r.MarkIdle(id))
	assert.Equal(t, types.JobID(""), w.CurrentJob)
	assert.False(t, w.LastTaskEnd.IsZero())

	assert.ErrorIs(t, r.MarkIdle(id), types.ErrInvalidTransition)
	assert.ErrorIs(t, r.MarkBusy("ghost", "j1"), types.ErrUnknownWorker)
	assert.ErrorIs(t, r.MarkIdle("ghost"), types.ErrUnknownWorker)
}

func TestListIdleOrder(t *testing.T) {
	r := New()
	a, _ := r.Register(&fakeConn{"a"}, "")
	b, _ := r.Register(&fakeConn{"b"}, "")
	c, _ := r.Register(&fakeConn{"c"}, "")

	assert.Equal(t, []types.WorkerID{a, b, c}, idleIDs(r))

	require.NoError(t, r.MarkBusy(a, "j1"))
	require.NoError(t, r.MarkIdle(a))
	assert.Equal(t, []types.WorkerID{b, c, a}, idleIDs(r), "finished worker goes to the back")

	require.NoError(t, r.MarkBusy(b, "j2"))
	require.NoError(t, r.Release(b))
	assert.Equal(t, []types.WorkerID{b, c, a}, idleIDs(r), "rolled back worker keeps its place")
}

func TestUnregister(t *testing.T) {
	r := New()
	a, _ := r.Register(&fakeConn{"a"}, "")
	b, _ := r.Register(&fakeConn{"b"}, "")
	require.NoError(t, r.MarkBusy(b, "j1"))

	job, busy, err := r.Unregister(a)
	require.NoError(t, err)
	assert.False(t, busy)
	assert.Empty(t, job)

	job, busy, err = r.Unregister(b)
	require.NoError(t, err)
	assert.True(t, busy)
	assert.Equal(t, types.JobID("j1"), job)

	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 0, r.BusyCount())

	_, _, err = r.Unregister(a)
	assert.ErrorIs(t, err, types.ErrUnknownWorker)
}

func TestReRegisterAfterUnregister(t *testing.T) {
	r := New()
	c := &fakeConn{"a"}
	first, _ := r.Register(c, "")
	_, _, err := r.Unregister(first)
	require.NoError(t, err)

	second, err := r.Register(c, "")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	w, _ := r.Get(second)
	assert.Equal(t, 2, w.PageNumber)
}

// 隨機交錯註冊與移除，數量必須等於 註冊數 - 移除數，且 ID 不重複
func TestCountMatchesRegistrations(t *testing.T) {
	r := New()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	live := map[types.WorkerID]bool{}
	registered, unregistered := 0, 0

	for i := 0; i < 500; i++ {
		if len(live) == 0 || rng.Intn(3) > 0 {
			id, err := r.Register(&fakeConn{fmt.Sprint(i)}, "")
			require.NoError(t, err)
			require.False(t, live[id], "id %s reused while registered", id)
			live[id] = true
			registered++
			continue
		}
		for id := range live {
			_, _, err := r.Unregister(id)
			require.NoError(t, err)
			delete(live, id)
			unregistered++
			break
		}
		assert.Equal(t, registered-unregistered, r.Count())
	}
	assert.Equal(t, registered-unregistered, r.Count())
}
