package stream

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runplane/runplane/internal/common/logger"
	v1 "github.com/runplane/runplane/pkg/api/v1"
)

func newTestBus(t *testing.T, capacity int) *Bus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return NewBus(capacity, log)
}

func deltaEvent(text string) v1.RunEvent {
	return v1.RunEvent{Type: v1.EventMessageDelta, RunID: "r-1", Text: text}
}

func TestPublishAssignsMonotonicSeq(t *testing.T) {
	bus := newTestBus(t, 0)

	for i := 1; i <= 5; i++ {
		seq, err := bus.Publish("r-1", deltaEvent(fmt.Sprintf("chunk-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}
	assert.Equal(t, uint64(5), bus.LastSeq("r-1"))
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	bus := newTestBus(t, 0)

	sub := bus.Subscribe("r-1", 0)
	defer sub.Cancel()

	_, err := bus.Publish("r-1", deltaEvent("hello"))
	require.NoError(t, err)

	select {
	case env := <-sub.Events():
		assert.Equal(t, uint64(1), env.Seq)
		assert.Equal(t, "hello", env.Event.Text)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestSubscribeReplaysFromCursor(t *testing.T) {
	bus := newTestBus(t, 0)

	for i := 1; i <= 10; i++ {
		_, err := bus.Publish("r-1", deltaEvent(fmt.Sprintf("chunk-%d", i)))
		require.NoError(t, err)
	}

	// Resume after seq 7: expect 8, 9, 10 replayed in order.
	sub := bus.Subscribe("r-1", 7)
	defer sub.Cancel()

	for want := uint64(8); want <= 10; want++ {
		select {
		case env := <-sub.Events():
			assert.Equal(t, want, env.Seq)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for replayed seq %d", want)
		}
	}
}

func TestHistoryEvictsOldestBeyondCapacity(t *testing.T) {
	bus := newTestBus(t, 5)

	for i := 1; i <= 8; i++ {
		_, err := bus.Publish("r-1", deltaEvent(fmt.Sprintf("chunk-%d", i)))
		require.NoError(t, err)
	}

	history := bus.History("r-1", 0)
	require.Len(t, history, 5)
	assert.Equal(t, uint64(4), history[0].Seq)
	assert.Equal(t, uint64(8), history[len(history)-1].Seq)

	// Sequence numbers keep climbing even after eviction.
	seq, err := bus.Publish("r-1", deltaEvent("chunk-9"))
	require.NoError(t, err)
	assert.Equal(t, uint64(9), seq)
}

func TestCloseNotifiesSubscribers(t *testing.T) {
	bus := newTestBus(t, 0)

	sub := bus.Subscribe("r-1", 0)
	_, err := bus.Publish("r-1", deltaEvent("last"))
	require.NoError(t, err)

	bus.Close("r-1")

	select {
	case <-sub.Closed():
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for close notification")
	}

	// Events published before close are still readable.
	select {
	case env := <-sub.Events():
		assert.Equal(t, "last", env.Event.Text)
	default:
		t.Fatal("expected buffered event before close")
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	bus := newTestBus(t, 0)

	_, err := bus.Publish("r-1", deltaEvent("only"))
	require.NoError(t, err)
	bus.Close("r-1")

	_, err = bus.Publish("r-1", deltaEvent("late"))
	assert.Error(t, err)
	assert.True(t, bus.Closed("r-1"))
}

func TestSubscribeAfterCloseReplaysThenCloses(t *testing.T) {
	bus := newTestBus(t, 0)

	for i := 1; i <= 3; i++ {
		_, err := bus.Publish("r-1", deltaEvent(fmt.Sprintf("chunk-%d", i)))
		require.NoError(t, err)
	}
	bus.Close("r-1")

	sub := bus.Subscribe("r-1", 1)

	select {
	case <-sub.Closed():
	case <-time.After(time.Second):
		t.Fatal("expected immediate close notification")
	}

	var got []uint64
	for {
		select {
		case env := <-sub.Events():
			got = append(got, env.Seq)
			continue
		default:
		}
		break
	}
	assert.Equal(t, []uint64{2, 3}, got)
}

func TestSlowSubscriberEvictionIsNotClose(t *testing.T) {
	bus := newTestBus(t, 1)

	// Buffer of one fills on the first publish; the second evicts.
	slow := bus.Subscribe("r-1", 0)
	_, err := bus.Publish("r-1", deltaEvent("first"))
	require.NoError(t, err)
	_, err = bus.Publish("r-1", deltaEvent("second"))
	require.NoError(t, err)

	select {
	case <-slow.Closed():
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for eviction")
	}
	assert.True(t, slow.Evicted())
	assert.False(t, bus.Closed("r-1"))

	// The stream stays live; a fresh subscriber resumes from its cursor.
	sub := bus.Subscribe("r-1", 1)
	select {
	case env := <-sub.Events():
		assert.Equal(t, uint64(2), env.Seq)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for replayed event")
	}

	bus.Close("r-1")
	select {
	case <-sub.Closed():
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for close notification")
	}
	assert.False(t, sub.Evicted())
}

func TestDropRemovesHistory(t *testing.T) {
	bus := newTestBus(t, 0)

	_, err := bus.Publish("r-1", deltaEvent("gone"))
	require.NoError(t, err)

	bus.Drop("r-1")
	assert.Nil(t, bus.History("r-1", 0))
	assert.Equal(t, uint64(0), bus.LastSeq("r-1"))
}

func TestStreamsAreIndependent(t *testing.T) {
	bus := newTestBus(t, 0)

	seqA, err := bus.Publish("r-a", deltaEvent("a"))
	require.NoError(t, err)
	seqB, err := bus.Publish("r-b", deltaEvent("b"))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), seqA)
	assert.Equal(t, uint64(1), seqB)

	bus.Close("r-a")
	assert.True(t, bus.Closed("r-a"))
	assert.False(t, bus.Closed("r-b"))
}
