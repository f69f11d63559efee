package dispatch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"negotiator/pkg/proto"
)

func TestPublishReachesGroupOnly(t *testing.T) {
	h := NewHub(4)
	a, cancelA := h.Subscribe("s1")
	defer cancelA()
	b, cancelB := h.Subscribe("s2")
	defer cancelB()

	n := h.Publish("s1", proto.UnblockPush())
	assert.Equal(t, 1, n)

	got := <-a
	assert.True(t, got.Unblock)
	assert.Empty(t, b)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	h := NewHub(1)
	assert.Equal(t, 0, h.Publish("nobody", proto.FinishedPush()))
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe("s1")
	defer cancel()

	assert.Equal(t, 1, h.Publish("s1", proto.PongPush()))
	assert.Equal(t, 0, h.Publish("s1", proto.PongPush()))
	assert.Equal(t, int64(1), h.Dropped())
	assert.Len(t, ch, 1)
}

func TestTerminalPushEvictsOldest(t *testing.T) {
	tests := []struct {
		name string
		push proto.Push
	}{
		{"unblock", proto.UnblockPush()},
		{"finished", proto.FinishedPush()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHub(2)
			ch, cancel := h.Subscribe("s1")
			defer cancel()

			h.Publish("s1", proto.ChatPush(proto.ChatTurn{Content: "first"}))
			h.Publish("s1", proto.ChatPush(proto.ChatTurn{Content: "second"}))
			require.Len(t, ch, 2)

			assert.Equal(t, 1, h.Publish("s1", tt.push))
			assert.Equal(t, int64(1), h.Dropped())

			kept := <-ch
			require.Len(t, kept.Chat, 1)
			assert.Equal(t, "second", kept.Chat[0].Content)
			assert.Equal(t, tt.push, <-ch)
		})
	}
}

func TestCancelClosesAndDetaches(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe("s1")
	assert.Equal(t, 1, h.Subscribers("s1"))

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, h.Subscribers("s1"))
	assert.Equal(t, 0, h.Publish("s1", proto.PongPush()))
}

func TestConcurrentPublishAndCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := NewHub(8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		ch, cancel := h.Subscribe("s1")
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range ch {
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h.Publish("s1", proto.ChatPush(proto.ChatTurn{Speaker: proto.SpeakerBot, Content: "hi"}))
			}
			cancel()
		}()
	}
	wg.Wait()
	require.Equal(t, 0, h.Subscribers("s1"))
}
