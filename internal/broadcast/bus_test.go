package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b, err := NewBus(nil, 64, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)
	return b
}

func TestDispatchDeduplicatesByEventID(t *testing.T) {
	b := newTestBus(t)
	msg := Message{EventID: uuid.NewString(), Kind: "trigger", Payload: json.RawMessage(`{}`)}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	calls := 0
	handler := func(ctx context.Context, m Message) { calls++ }

	b.dispatch(context.Background(), data, handler)
	b.dispatch(context.Background(), data, handler)

	assert.Equal(t, 1, calls)
}

func TestDispatchDiscardsMalformedPayload(t *testing.T) {
	b := newTestBus(t)
	calls := 0
	b.dispatch(context.Background(), []byte("not json"), func(ctx context.Context, m Message) { calls++ })
	assert.Equal(t, 0, calls)
}
