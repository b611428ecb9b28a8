package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingPublisher struct {
	calls int
}

func (f *failingPublisher) Publish(context.Context, Event) error {
	f.calls++
	return errors.New("broker down")
}

func (f *failingPublisher) Close() error { return nil }

func TestNewWithoutURLIsNop(t *testing.T) {
	t.Parallel()

	pub, err := New("", "x", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.IsType(t, Nop{}, pub)
	assert.NoError(t, pub.Publish(context.Background(), Event{Type: TypeCaseCreated}))
	assert.NoError(t, pub.Close())
}

func TestEmitSwallowsErrors(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	pub := &failingPublisher{}
	Emit(context.Background(), log, pub, Event{Type: TypeDeliveryFailed, TenantID: "t1"})
	assert.Equal(t, 1, pub.calls)

	Emit(context.Background(), log, nil, Event{Type: TypeDeliveryFailed})
}
