package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message")
		return Message{}
	}
}

func TestStateTopicReplaysLastValue(t *testing.T) {
	bus := NewBus()
	bus.Publish(TopicQueueStatus, "item-1|downloading")
	bus.Publish(TopicQueueStatus, "item-1|processing")

	ch, cancel := bus.Subscribe(TopicQueueStatus)
	defer cancel()

	msg := recv(t, ch)
	assert.Equal(t, TopicQueueStatus, msg.Topic)
	assert.Equal(t, "item-1|processing", msg.Data)
}

func TestEventTopicDoesNotReplay(t *testing.T) {
	bus := NewBus()
	bus.Publish(TopicQueueAdded, "item-1")

	ch, cancel := bus.Subscribe(TopicQueueAdded)
	defer cancel()

	select {
	case msg := <-ch:
		t.Fatalf("unexpected replay: %v", msg)
	case <-time.After(50 * time.Millisecond):
	}

	bus.Publish(TopicQueueAdded, "item-2")
	assert.Equal(t, "item-2", recv(t, ch).Data)
}

func TestSubscriberOnlyGetsItsTopics(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(TopicQueueRemoved)
	defer cancel()

	bus.Publish(TopicQueueAdded, "other")
	bus.Publish(TopicQueueRemoved, "mine")

	assert.Equal(t, "mine", recv(t, ch).Data)
}

func TestProgressDebounce(t *testing.T) {
	bus := NewBus()
	current := time.Unix(0, 0)
	bus.now = func() time.Time { return current }

	ch, cancel := bus.Subscribe(TopicQueueProgress)
	defer cancel()

	bus.PublishProgress(TopicQueueProgress, "i1", 10)
	bus.PublishProgress(TopicQueueProgress, "i1", 11) // inside the window, dropped
	current = current.Add(300 * time.Millisecond)
	bus.PublishProgress(TopicQueueProgress, "i1", 12)

	assert.Equal(t, "i1|10", recv(t, ch).Data)
	assert.Equal(t, "i1|12", recv(t, ch).Data)

	select {
	case msg := <-ch:
		t.Fatalf("debounced message delivered: %v", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestTerminalProgressBypassesDebounce(t *testing.T) {
	bus := NewBus()
	current := time.Unix(0, 0)
	bus.now = func() time.Time { return current }

	ch, cancel := bus.Subscribe(TopicQueueProgress)
	defer cancel()

	bus.PublishProgress(TopicQueueProgress, "i1", 95)
	bus.PublishProgress(TopicQueueProgress, "i1", 200) // finalizing, same instant
	bus.PublishProgress(TopicQueueProgress, "i1", 100)

	assert.Equal(t, "i1|95", recv(t, ch).Data)
	assert.Equal(t, "i1|200", recv(t, ch).Data)
	assert.Equal(t, "i1|100", recv(t, ch).Data)
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(TopicQueueAdded)
	cancel()
	cancel() // idempotent

	_, open := <-ch
	require.False(t, open)

	// Publishing after cancel must not panic or deliver.
	bus.Publish(TopicQueueAdded, "late")
}
