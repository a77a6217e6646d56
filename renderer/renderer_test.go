package renderer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mesolab/mesovr/errors"
)

func TestDrainOneEventPerCall(t *testing.T) {
	tr := NewLoopback()
	c, err := ConnectLoopback(tr, nil)
	require.NoError(t, err)

	_, ok := c.Drain()
	assert.False(t, ok)

	tr.Inject(TopicTerminated, nil)
	tr.Inject(TopicTerminated, nil)

	ev, ok := c.Drain()
	require.True(t, ok)
	assert.Equal(t, EventTerminated, ev.Kind)
	_, ok = c.Drain()
	assert.True(t, ok)
	_, ok = c.Drain()
	assert.False(t, ok)
}

func TestCueSequenceRequest(t *testing.T) {
	tr := NewLoopback()
	c, err := ConnectLoopback(tr, nil, WithCueTimeout(time.Second))
	require.NoError(t, err)

	tr.OnPublish(func(topic string, _ []byte) {
		if topic != TopicCueRequest {
			return
		}
		payload, _ := msgpack.Marshal([]uint8{1, 1, 2, 3, 1, 2})
		go tr.Inject(TopicCueResponse, payload)
	})

	cues, err := c.RequestCueSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint8{1, 1, 2, 3, 1, 2}, cues)
}

func TestCueSequenceTimeoutIsRecoverable(t *testing.T) {
	tr := NewLoopback()
	c, err := ConnectLoopback(tr, nil, WithCueTimeout(10*time.Millisecond), WithCueRetries(2))
	require.NoError(t, err)

	requests := 0
	tr.OnPublish(func(topic string, _ []byte) {
		if topic == TopicCueRequest {
			requests++
		}
	})

	_, err = c.RequestCueSequence(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrCueRequestTimeout)
	assert.True(t, errors.IsRecoverable(err))
	assert.Equal(t, 2, requests, "retry bound must be honored")
}

func TestCueSequenceRetryThenSuccess(t *testing.T) {
	tr := NewLoopback()
	c, err := ConnectLoopback(tr, nil, WithCueTimeout(20*time.Millisecond), WithCueRetries(3))
	require.NoError(t, err)

	requests := 0
	tr.OnPublish(func(topic string, _ []byte) {
		if topic != TopicCueRequest {
			return
		}
		requests++
		if requests == 2 {
			payload, _ := msgpack.Marshal([]uint8{3, 1, 2})
			go tr.Inject(TopicCueResponse, payload)
		}
	})

	cues, err := c.RequestCueSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint8{3, 1, 2}, cues)
	assert.Equal(t, 2, requests)
}

func TestPublishToggles(t *testing.T) {
	tr := NewLoopback()
	c, err := ConnectLoopback(tr, nil)
	require.NoError(t, err)

	var topics []string
	tr.OnPublish(func(topic string, _ []byte) {
		topics = append(topics, topic)
	})

	require.NoError(t, c.PublishMotion(1.25))
	require.NoError(t, c.SetGuidance(true))
	require.NoError(t, c.SetRenderState(false))
	assert.Equal(t, []string{TopicMotion, TopicGuidance, TopicRenderState}, topics)
}
