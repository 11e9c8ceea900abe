package tunnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestByteCounter_AccumulatesSentAndReceived(t *testing.T) {
	var c ByteCounter
	c.AddSent(100)
	c.AddSent(50)
	c.AddReceived(30)

	sent, received := c.Snapshot()
	assert.Equal(t, int64(150), sent)
	assert.Equal(t, int64(30), received)
}

func TestByteCounter_StatusMessageReflectsSnapshot(t *testing.T) {
	var c ByteCounter
	c.AddSent(200)
	c.AddReceived(75)

	msg := c.StatusMessage(3)
	assert.Equal(t, TypeStatus, msg.Type)
	assert.Equal(t, 3, msg.Connections)
	assert.Equal(t, int64(200), msg.BytesSent)
	assert.Equal(t, int64(75), msg.BytesReceived)
}
