package transport_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmidvault/vault-go/transport"
	"github.com/pmidvault/vault-go/transport/peer"
	"github.com/pmidvault/vault-go/wire"
)

func TestMockTransport(t *testing.T) {
	ctx := context.Background()
	parent := transport.NewMockTransport()

	var got []*wire.Envelope
	child := parent.New()
	child.Register(handlerFunc(func(_ context.Context, env *wire.Envelope) error {
		got = append(got, env)
		return nil
	}))
	require.NoError(t, child.SpawnServer(ctx, "vault-1"))
	assert.Equal(t, "vault-1", child.ListenAddress())

	sender := parent.New()
	c, err := sender.NewClient(ctx, peer.Info{Address: "vault-1"})
	require.NoError(t, err)

	env := &wire.Envelope{Kind: wire.KindSynchronise, MessageID: 3, Sender: "vault-2", Payload: []byte{1, 2}}
	require.NoError(t, c.Send(ctx, env))
	require.NoError(t, c.Send(ctx, env))

	require.Len(t, got, 2)
	assert.Equal(t, env, got[0])
	assert.NotSame(t, env, got[0])
	assert.Equal(t, 2, parent.Count("Send"))
	assert.Equal(t, 2, parent.Count("Synchronise"))
	assert.Equal(t, "vault-1 = 2", parent.Report("Synchronise"))
	assert.Equal(t, "", parent.Report("PutRequest"))

	parent.Reset()
	assert.Equal(t, 0, parent.Count("Send"))

	// Nothing listens once the server is shut down
	require.NoError(t, child.ShutdownServer(ctx))
	assert.Error(t, c.Send(ctx, env))
	assert.Equal(t, 0, parent.Count("Send"))
}
