/*
Copyright 2024 Derrick J Wippler

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transport_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vault "github.com/pmidvault/vault-go"
	"github.com/pmidvault/vault-go/cluster"
	"github.com/pmidvault/vault-go/transport"
	"github.com/pmidvault/vault-go/transport/peer"
	"github.com/pmidvault/vault-go/wire"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// handlerFunc adapts a function to transport.Handler
type handlerFunc func(ctx context.Context, env *wire.Envelope) error

func (f handlerFunc) HandleEnvelope(ctx context.Context, env *wire.Envelope) error {
	return f(ctx, env)
}

func spawn(t *testing.T, h transport.Handler) *transport.HttpTransport {
	t.Helper()
	tr := transport.NewHttpTransport(transport.HttpTransportOptions{Logger: quietLogger})
	tr.Register(h)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, tr.SpawnServer(ctx, "localhost:0"))
	t.Cleanup(func() { _ = tr.ShutdownServer(context.Background()) })
	return tr
}

// anyPorts returns n local addresses which listen on a port chosen by the system
func anyPorts(n int) []peer.Info {
	peers := make([]peer.Info, n)
	for i := range peers {
		peers[i] = peer.Info{Address: "localhost:0"}
	}
	return peers
}

func TestHttpClientSend(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var received []*wire.Envelope
	var reply error

	tr := spawn(t, handlerFunc(func(_ context.Context, env *wire.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, env)
		return reply
	}))

	c, err := tr.NewClient(ctx, peer.Info{Address: tr.ListenAddress()})
	require.NoError(t, err)
	assert.Equal(t, tr.ListenAddress(), c.HashKey())

	env := &wire.Envelope{
		Kind:      wire.KindHealthRequest,
		MessageID: 42,
		Sender:    "vault-2",
		Group:     "pmid-1",
		Payload:   []byte{0x0a, 0x01, 'a'},
	}
	require.NoError(t, c.Send(ctx, env))
	mu.Lock()
	require.Len(t, received, 1)
	assert.Equal(t, env, received[0])
	mu.Unlock()

	t.Run("NotFound", func(t *testing.T) {
		mu.Lock()
		reply = &transport.ErrNotFound{Msg: "no such account"}
		mu.Unlock()

		err := c.Send(ctx, env)
		assert.ErrorIs(t, err, &transport.ErrNotFound{})
		assert.Equal(t, "no such account", err.Error())
	})

	t.Run("RemoteError", func(t *testing.T) {
		mu.Lock()
		reply = errors.New("permission_denied: not a manager")
		mu.Unlock()

		err := c.Send(ctx, env)
		assert.ErrorIs(t, err, &transport.ErrRemoteCall{})
		assert.Contains(t, err.Error(), "not a manager")
	})
}

func TestHttpTransportRejectsBadRequests(t *testing.T) {
	tr := spawn(t, handlerFunc(func(context.Context, *wire.Envelope) error {
		t.Error("handler must not be called")
		return nil
	}))
	url := "http://" + tr.ListenAddress() + transport.DefaultBasePath

	res, err := http.Get(url)
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)

	res, err = http.Post(url, "application/x-protobuf", bytes.NewReader([]byte{0xff, 0xff}))
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	// An envelope without a kind is malformed
	res, err = http.Post(url, "application/x-protobuf", bytes.NewReader((&wire.Envelope{Sender: "x"}).Marshal()))
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestHttpClientConnectionRefused(t *testing.T) {
	tr := transport.NewHttpTransport(transport.HttpTransportOptions{Logger: quietLogger})
	c, err := tr.NewClient(context.Background(), peer.Info{Address: "localhost:1"})
	require.NoError(t, err)

	err = c.Send(context.Background(), &wire.Envelope{Kind: wire.KindHealthRequest})
	assert.Error(t, err)
}

func TestHttpTransport(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	// Start a cluster of 4 vaults with HTTP Transport
	require.NoError(t, cluster.StartWith(ctx, anyPorts(4), vault.Options{
		GroupSize:  4,
		QuorumSize: 3,
		Logger:     quietLogger,
		Transport: transport.NewHttpTransport(transport.HttpTransportOptions{
			Logger: quietLogger,
		}),
	}))
	defer func() { _ = cluster.Shutdown(context.Background()) }()

	tr := transport.NewHttpTransport(transport.HttpTransportOptions{})
	put := vault.PutRequest{
		MessageID: 1,
		Pmid:      "pmid-1",
		Data:      vault.DataName{Type: vault.DataTypeImmutable, Name: "chunk-a"},
		Size:      10,
	}

	// Each of three data managers tells every manager about the put
	for _, p := range cluster.ListPeers() {
		c, err := tr.NewClient(ctx, p)
		require.NoError(t, err)
		for _, sender := range cluster.ListPeers()[:3] {
			require.NoError(t, c.Send(ctx, &wire.Envelope{
				Kind:      put.Kind(),
				MessageID: put.ID(),
				Sender:    sender.Address,
				Group:     string(put.Pmid),
				Payload:   put.Marshal(),
			}))
		}
	}

	for _, d := range cluster.ListDaemons() {
		md, err := d.Service().GroupDb().GetMetadata("pmid-1")
		require.NoError(t, err, d.ListenAddress())
		assert.Equal(t, int64(1), md.StoredCount)
		assert.Equal(t, int64(10), md.StoredTotalSize)
	}

	// A sender which is not a vault is refused
	c := cluster.DaemonAt(0).MustClient()
	err := c.Send(ctx, &wire.Envelope{
		Kind:      put.Kind(),
		MessageID: 2,
		Sender:    "stranger",
		Payload:   put.Marshal(),
	})
	assert.ErrorIs(t, err, &transport.ErrRemoteCall{})
}
