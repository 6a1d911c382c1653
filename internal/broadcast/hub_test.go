package broadcast

import (
	stdsync "sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kimhsiao/posync/internal/logging"
)

type result struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

func newTestHub(t *testing.T) *Hub {
	return NewHub(logging.FromZap(zaptest.NewLogger(t)))
}

func TestHub_zeroObservers(t *testing.T) {
	h := newTestHub(t)
	assert.NotPanics(t, func() { h.Broadcast("sync-result", result{}) })
	assert.Equal(t, 0, h.Count())
}

func TestHub_reachesEveryObserver(t *testing.T) {
	h := newTestHub(t)
	a, b := NewChannelObserver(4), NewChannelObserver(4)
	h.Register(a)
	h.Register(b)
	require.Equal(t, 2, h.Count())

	h.Broadcast("sync-result", result{Success: 3, Failed: 1})

	for _, o := range []*ChannelObserver{a, b} {
		msg := <-o.C()
		assert.Equal(t, "sync-result", msg.Type)
		assert.NotZero(t, msg.Timestamp)
		var got result
		require.NoError(t, msg.Decode(&got))
		assert.Equal(t, result{Success: 3, Failed: 1}, got)
	}
}

func TestHub_unregister(t *testing.T) {
	h := newTestHub(t)
	o := NewChannelObserver(1)
	id := h.Register(o)
	require.NotEmpty(t, id)

	assert.True(t, h.Unregister(id))
	assert.False(t, h.Unregister(id))
	assert.Equal(t, 0, h.Count())

	_, open := <-o.C()
	assert.False(t, open)

	h.Broadcast("sync-result", nil)
}

func TestHub_evictsSlowObserver(t *testing.T) {
	h := newTestHub(t)
	slow, fast := NewChannelObserver(1), NewChannelObserver(8)
	h.Register(slow)
	h.Register(fast)

	h.Broadcast("a", nil)
	h.Broadcast("b", nil)

	assert.Equal(t, 1, h.Count())
	assert.Equal(t, "a", (<-slow.C()).Type)
	_, open := <-slow.C()
	assert.False(t, open)
	assert.Len(t, fast.C(), 2)
}

func TestHub_close(t *testing.T) {
	h := newTestHub(t)
	o := NewChannelObserver(1)
	h.Register(o)

	h.Close()
	h.Close()
	_, open := <-o.C()
	assert.False(t, open)

	late := NewChannelObserver(1)
	assert.Empty(t, h.Register(late))
	_, open = <-late.C()
	assert.False(t, open)
}

func TestHub_unmarshalablePayload(t *testing.T) {
	h := newTestHub(t)
	o := NewChannelObserver(1)
	h.Register(o)

	h.Broadcast("bad", make(chan int))
	assert.Len(t, o.C(), 0)
}

func TestHub_concurrentUse(t *testing.T) {
	h := newTestHub(t)
	var wg stdsync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			o := NewChannelObserver(64)
			id := h.Register(o)
			h.Unregister(id)
		}()
		go func() {
			defer wg.Done()
			h.Broadcast("sync-result", result{})
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, h.Count())
}

func TestChannelObserver_notifyAfterClose(t *testing.T) {
	o := NewChannelObserver(0)
	assert.True(t, o.Notify(Message{Type: "x"}))
	assert.False(t, o.Notify(Message{Type: "y"}))
	o.Close()
	o.Close()
	assert.False(t, o.Notify(Message{Type: "z"}))
}
