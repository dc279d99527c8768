package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueAndDrain(t *testing.T) {
	c := newConn("c1", nil, 4)
	require.NoError(t, c.enqueue([]byte("one")))
	require.NoError(t, c.enqueue([]byte("two")))

	assert.Equal(t, []byte("one"), <-c.outbox)
	assert.Equal(t, []byte("two"), <-c.outbox)
}

func TestEnqueueOverflow(t *testing.T) {
	c := newConn("c1", nil, 1)
	require.NoError(t, c.enqueue([]byte("fits")))

	err := c.enqueue([]byte("overflow"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue full")
}

func TestEnqueueDefaultBuffer(t *testing.T) {
	c := newConn("c1", nil, 0)
	assert.Equal(t, 64, cap(c.outbox))
}

func TestEncodeFrame(t *testing.T) {
	frame, err := encodeFrame("chatMessage", map[string]string{"sender": "Alice"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"chatMessage","data":{"sender":"Alice"}}`, string(frame))
}
