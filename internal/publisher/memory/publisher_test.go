package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsMessages(t *testing.T) {
	t.Parallel()

	p := New()
	id, err := p.Publish(context.Background(), "pages", map[string]any{"path": "/a"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)
	id, err = p.Publish(context.Background(), "pages", map[string]any{"path": "/b"})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id)

	msgs := p.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "pages", msgs[0].Topic)
	require.JSONEq(t, `{"path":"/a"}`, string(msgs[0].Data))
}

func TestPublisherRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	p := New()
	_, err := p.Publish(context.Background(), "pages", make(chan int))
	require.Error(t, err)
	require.Empty(t, p.Messages())
}
