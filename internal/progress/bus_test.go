package progress

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arc-self/apps/fragment-service/internal/domain"
)

func event(requestID string, stage domain.Stage, status domain.EventStatus, n int) domain.ProgressEvent {
	return domain.ProgressEvent{
		RequestID:   requestID,
		Stage:       stage,
		Status:      status,
		Message:     fmt.Sprintf("event %d", n),
		TimestampMs: int64(n),
	}
}

func TestBus_DeliversInPublishOrder(t *testing.T) {
	b := NewBus(16, zaptest.NewLogger(t))
	b.Open("r1")

	ch, cancel, err := b.Subscribe("r1")
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Publish(event("r1", domain.StageDetection, domain.EventProgress, i))
	}

	for i := 0; i < 5; i++ {
		ev := <-ch
		assert.Equal(t, int64(i), ev.TimestampMs)
	}
}

func TestBus_SubscribeUnknownRequest(t *testing.T) {
	b := NewBus(16, zaptest.NewLogger(t))

	_, _, err := b.Subscribe("ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBus_LateSubscriberGetsReplay(t *testing.T) {
	b := NewBus(16, zaptest.NewLogger(t))
	b.Open("r1")

	b.Publish(event("r1", domain.StageDetection, domain.EventCompleted, 0))
	b.Publish(event("r1", domain.StagePlanning, domain.EventCompleted, 1))

	ch, cancel, err := b.Subscribe("r1")
	require.NoError(t, err)
	defer cancel()

	assert.Equal(t, domain.StageDetection, (<-ch).Stage)
	assert.Equal(t, domain.StagePlanning, (<-ch).Stage)
}

func TestBus_ReplayBounded(t *testing.T) {
	b := NewBus(3, zaptest.NewLogger(t))
	b.Open("r1")

	for i := 0; i < 10; i++ {
		b.Publish(event("r1", domain.StageDispatch, domain.EventProgress, i))
	}

	ch, cancel, err := b.Subscribe("r1")
	require.NoError(t, err)
	defer cancel()

	// Only the newest maxReplay events are buffered.
	assert.Equal(t, int64(7), (<-ch).TimestampMs)
	assert.Equal(t, int64(8), (<-ch).TimestampMs)
	assert.Equal(t, int64(9), (<-ch).TimestampMs)
}

func TestBus_TerminalEventClosesStream(t *testing.T) {
	b := NewBus(16, zaptest.NewLogger(t))
	b.Open("r1")

	ch, cancel, err := b.Subscribe("r1")
	require.NoError(t, err)
	defer cancel()

	b.Publish(event("r1", domain.StageComplete, domain.EventCompleted, 0))

	ev, ok := <-ch
	require.True(t, ok)
	assert.True(t, ev.Terminal())

	_, ok = <-ch
	assert.False(t, ok, "stream must close after the terminal event")
}

func TestBus_SubscribeAfterTerminalReplaysAndCloses(t *testing.T) {
	b := NewBus(16, zaptest.NewLogger(t))
	b.Open("r1")

	b.Publish(event("r1", domain.StageDetection, domain.EventCompleted, 0))
	b.Publish(event("r1", domain.StageFailed, domain.EventFailed, 1))

	ch, cancel, err := b.Subscribe("r1")
	require.NoError(t, err)
	defer cancel()

	var got []domain.ProgressEvent
	for ev := range ch {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, domain.StageFailed, got[1].Stage)
}

func TestBus_SlowSubscriberDropsOldestAndMarksLag(t *testing.T) {
	b := NewBus(64, zaptest.NewLogger(t))
	b.subBuffer = 2
	b.Open("r1")

	ch, cancel, err := b.Subscribe("r1")
	require.NoError(t, err)
	defer cancel()

	// Nobody reads: buffer (2 slots) overflows on the third publish.
	b.Publish(event("r1", domain.StageDispatch, domain.EventProgress, 0))
	b.Publish(event("r1", domain.StageDispatch, domain.EventProgress, 1))
	b.Publish(event("r1", domain.StageDispatch, domain.EventProgress, 2))

	first := <-ch
	assert.Equal(t, int64(1), first.TimestampMs, "oldest event must be dropped")

	second := <-ch
	assert.Equal(t, int64(2), second.TimestampMs)
	assert.True(t, second.Lagged)
}

func TestBus_IndependentTopics(t *testing.T) {
	b := NewBus(16, zaptest.NewLogger(t))
	b.Open("r1")
	b.Open("r2")

	ch1, cancel1, err := b.Subscribe("r1")
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := b.Subscribe("r2")
	require.NoError(t, err)
	defer cancel2()

	b.Publish(event("r1", domain.StageDetection, domain.EventCompleted, 0))
	b.Publish(event("r2", domain.StagePlanning, domain.EventCompleted, 1))

	assert.Equal(t, "r1", (<-ch1).RequestID)
	assert.Equal(t, "r2", (<-ch2).RequestID)
}

func TestBus_DropRemovesTopic(t *testing.T) {
	b := NewBus(16, zaptest.NewLogger(t))
	b.Open("r1")
	b.Drop("r1")

	_, _, err := b.Subscribe("r1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
