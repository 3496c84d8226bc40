package events

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAssignsMonotonicSeq(t *testing.T) {
	bus := NewBus()

	a := bus.Publish(TypePipelineStarted, "run-1", nil, nil)
	b := bus.Publish(TypeAudioChunk, "run-1", nil, map[string]any{"chunkIndex": 0})

	assert.Equal(t, int64(1), a.Seq)
	assert.Equal(t, int64(2), b.Seq)
	assert.NotEmpty(t, a.Timestamp)
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	bus := NewBus()
	sub, replay := bus.Subscribe(0)
	defer bus.Unsubscribe(sub.ID)
	assert.Empty(t, replay)

	bus.Publish(TypePipelineLog, "run-1", nil, map[string]any{"message": "hello"})

	evt := <-sub.C
	assert.Equal(t, TypePipelineLog, evt.Type)
	assert.Equal(t, int64(1), evt.Seq)
}

func TestSubscribeReplaysSinceLastSeq(t *testing.T) {
	bus := NewBus()
	for i := 0; i < 10; i++ {
		bus.Publish(TypePipelineLog, "run-1", nil, map[string]any{"i": i})
	}

	sub, replay := bus.Subscribe(4)
	defer bus.Unsubscribe(sub.ID)

	require.Len(t, replay, 6)
	assert.Equal(t, int64(5), replay[0].Seq)
	assert.Equal(t, int64(10), replay[5].Seq)
}

func TestSubscribeReplayCapped(t *testing.T) {
	bus := NewBus()
	for i := 0; i < 400; i++ {
		bus.Publish(TypePipelineLog, "run-1", nil, nil)
	}

	sub, replay := bus.Subscribe(1)
	defer bus.Unsubscribe(sub.ID)
	assert.Len(t, replay, replayLimit)
}

func TestSubscribeDefaultReplayLast25(t *testing.T) {
	bus := NewBus()
	for i := 0; i < 100; i++ {
		bus.Publish(TypePipelineLog, "run-1", nil, nil)
	}

	sub, replay := bus.Subscribe(0)
	defer bus.Unsubscribe(sub.ID)
	require.Len(t, replay, defaultReplay)
	assert.Equal(t, int64(76), replay[0].Seq)
}

func TestHistoryBounded(t *testing.T) {
	bus := NewBus()
	for i := 0; i < historyLimit+500; i++ {
		bus.Publish(TypePipelineLog, "run-1", nil, nil)
	}
	assert.LessOrEqual(t, len(bus.history), historyLimit)
}

func TestSlowSubscriberDropped(t *testing.T) {
	bus := NewBus()
	sub, _ := bus.Subscribe(0)
	_ = sub

	for i := 0; i < subscriberBuffer+10; i++ {
		bus.Publish(TypePipelineLog, "run-1", nil, nil)
	}
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestUnsubscribeSignalsDone(t *testing.T) {
	bus := NewBus()
	sub, _ := bus.Subscribe(0)
	bus.Unsubscribe(sub.ID)

	select {
	case <-sub.Done:
	default:
		t.Fatal("Done not signalled after Unsubscribe")
	}

	// Publishing after unsubscribe must not panic or deliver.
	bus.Publish(TypePipelineLog, "run-1", nil, nil)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestWriteSSEFormat(t *testing.T) {
	bus := NewBus()
	evt := bus.Publish(TypeClaimDetected, "run-1", nil, nil)

	var sb strings.Builder
	require.NoError(t, WriteSSE(&sb, evt))

	out := sb.String()
	assert.True(t, strings.HasPrefix(out, fmt.Sprintf("id: %d\n", evt.Seq)))
	assert.Contains(t, out, "event: claim.detected\n")
	assert.Contains(t, out, `"type":"claim.detected"`)
	assert.True(t, strings.HasSuffix(out, "\n\n"))

	sb.Reset()
	require.NoError(t, WriteSSEKeepalive(&sb))
	assert.Equal(t, ": keepalive\n\n", sb.String())
}
