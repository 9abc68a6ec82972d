package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisher(t *testing.T) {
	ctx := context.Background()
	p := NewPublisher()

	require.NoError(t, p.Publish(ctx, "a", "k1", 1))
	require.NoError(t, p.Publish(ctx, "b", "k2", 2))

	assert.Len(t, p.Events(""), 2)
	got := p.Events("b")
	require.Len(t, got, 1)
	assert.Equal(t, Event{Topic: "b", Key: "k2", Body: 2}, got[0])

	p.FailWith(errors.New("down"))
	assert.EqualError(t, p.Publish(ctx, "a", "k", 3), "down")
	assert.Len(t, p.Events(""), 2)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	p.FailWith(nil)
	assert.ErrorIs(t, p.Publish(cancelled, "a", "k", 4), context.Canceled)
}
