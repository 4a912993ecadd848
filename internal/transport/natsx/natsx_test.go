package natsx

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresServers(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestUserSubject(t *testing.T) {
	id := uuid.MustParse("6f1c3c1e-8d7a-4b8e-9d52-1a1f0f4f2a10")
	assert.Equal(t, "chatsync.users.6f1c3c1e-8d7a-4b8e-9d52-1a1f0f4f2a10", UserSubject(id))
}

func TestDial_UnreachableServer(t *testing.T) {
	tr, err := New(Options{Servers: []string{"nats://127.0.0.1:1"}, Timeout: 200 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = tr.Dial(ctx, uuid.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect nats")
}
