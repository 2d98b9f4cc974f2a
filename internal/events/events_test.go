package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "coursechat.turns.user_0", Subject("coursechat.turns", "user_0"))
	assert.Equal(t, "p.a_b_c_d", Subject("p", "a.b*c>d"))
	assert.Equal(t, "p.with_space", Subject("p", "with space"))
}

func TestNoopPublisher(t *testing.T) {
	var p Publisher = Noop{}
	assert.NoError(t, p.PublishTurn(context.Background(), TurnEvent{SessionID: "s1"}))
	p.Close()
}

func TestNewNATSPublisherUnreachable(t *testing.T) {
	_, err := NewNATSPublisher("nats://127.0.0.1:1", "", nil)
	assert.Error(t, err)
}
