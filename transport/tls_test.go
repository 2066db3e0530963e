package transport_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/kapetan-io/tackle/autotls"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vault "github.com/pmidvault/vault-go"
	"github.com/pmidvault/vault-go/cluster"
	"github.com/pmidvault/vault-go/transport"
	"github.com/pmidvault/vault-go/wire"
)

func TestTLS(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	// AutoGenerate TLS certs
	conf := autotls.Config{AutoTLS: true}
	require.NoError(t, autotls.Setup(&conf))

	newTransport := func() *transport.HttpTransport {
		return transport.NewHttpTransport(transport.HttpTransportOptions{
			TLSConfig: conf.ServerTLS,
			Client: &http.Client{
				Transport: &http.Transport{
					TLSClientConfig: conf.ClientTLS,
				},
			},
			Logger: quietLogger,
		})
	}

	// Start a 2 node cluster with TLS
	err := cluster.StartWith(context.Background(), anyPorts(2),
		vault.Options{
			GroupSize:  2,
			QuorumSize: 2,
			Transport:  newTransport(),
			Logger:     quietLogger,
		})
	require.NoError(t, err)

	assert.Equal(t, 2, len(cluster.ListPeers()))
	assert.Equal(t, 2, len(cluster.ListDaemons()))

	// Both vaults are data managers of the chunk as well as managers of the account
	put := vault.PutRequest{
		MessageID: 7,
		Pmid:      "pmid-1",
		Data:      vault.DataName{Type: vault.DataTypeImmutable, Name: "chunk-a"},
		Size:      25,
	}
	tr := newTransport()
	for _, p := range cluster.ListPeers() {
		c, err := tr.NewClient(ctx, p)
		require.NoError(t, err)
		for _, sender := range cluster.ListPeers() {
			require.NoError(t, c.Send(ctx, &wire.Envelope{
				Kind:      put.Kind(),
				MessageID: put.ID(),
				Sender:    sender.Address,
				Payload:   put.Marshal(),
			}))
		}
	}

	// Votes and responses between the vaults also travel over TLS
	for _, d := range cluster.ListDaemons() {
		md, err := d.Service().GroupDb().GetMetadata("pmid-1")
		require.NoError(t, err)
		assert.Equal(t, int64(25), md.StoredTotalSize)
		assert.Equal(t, int64(0), d.Service().Stats().SendErrors.Get())
	}

	require.NoError(t, cluster.Shutdown(context.Background()))
}
