package vault_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vault "github.com/pmidvault/vault-go"
	"github.com/pmidvault/vault-go/wire"
)

func newAccumulator(t *testing.T, quorum int) *vault.Accumulator {
	t.Helper()
	a, err := vault.NewAccumulator(vault.AccumulatorOptions{QuorumSize: quorum})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestAccumulatorQuorum(t *testing.T) {
	a := newAccumulator(t, 3)
	req := vault.PutRequest{MessageID: 1, Pmid: "pmid-1", Data: chunkA, Size: 10}
	required := a.RequiredRequests(req.Kind())

	assert.False(t, a.AddPendingRequest(req, "dm-1", required))
	// The same sender twice does not count twice
	assert.False(t, a.AddPendingRequest(req, "dm-1", required))
	assert.False(t, a.AddPendingRequest(req, "dm-2", required))
	assert.Equal(t, 1, a.Pending())

	assert.True(t, a.AddPendingRequest(req, "dm-3", required))
	// Late copies are absorbed
	assert.False(t, a.AddPendingRequest(req, "dm-4", required))
	assert.Equal(t, 0, a.Pending())
}

func TestAccumulatorDistinguishesPayload(t *testing.T) {
	a := newAccumulator(t, 2)
	one := vault.PutRequest{MessageID: 1, Pmid: "pmid-1", Data: chunkA, Size: 10}
	other := vault.PutRequest{MessageID: 1, Pmid: "pmid-1", Data: chunkA, Size: 11}

	assert.False(t, a.AddPendingRequest(one, "dm-1", nil))
	assert.False(t, a.AddPendingRequest(other, "dm-2", nil))
	assert.True(t, a.AddPendingRequest(one, "dm-2", nil))
	assert.True(t, a.AddPendingRequest(other, "dm-1", nil))
}

func TestAccumulatorRequiredRequests(t *testing.T) {
	a := newAccumulator(t, 3)

	for _, test := range []struct {
		kind     wire.Kind
		expected int
	}{
		{kind: wire.KindPutRequest, expected: 3},
		{kind: wire.KindDeleteRequest, expected: 3},
		{kind: wire.KindAccountTransfer, expected: 2},
		{kind: wire.KindPutFailure, expected: 1},
		{kind: wire.KindHealthRequest, expected: 1},
		{kind: wire.KindGetAccountRequest, expected: 1},
	} {
		t.Run(test.kind.String(), func(t *testing.T) {
			required := a.RequiredRequests(test.kind)
			assert.False(t, required(test.expected-1))
			assert.True(t, required(test.expected))
		})
	}
}

func TestAccumulatorExpires(t *testing.T) {
	a, err := vault.NewAccumulator(vault.AccumulatorOptions{QuorumSize: 2, TTL: time.Second})
	require.NoError(t, err)
	defer a.Close()

	req := vault.HealthRequest{MessageID: 7, Pmid: "pmid-1"}
	assert.False(t, a.AddPendingRequest(req, "dm-1", vault.AtLeast(2)))

	// otter tracks expiry with a one second clock
	time.Sleep(2500 * time.Millisecond)

	// The first vote is forgotten, so quorum needs two fresh senders again
	assert.False(t, a.AddPendingRequest(req, "dm-2", vault.AtLeast(2)))
	assert.True(t, a.AddPendingRequest(req, "dm-3", vault.AtLeast(2)))
}

func TestAccumulatorConcurrentSenders(t *testing.T) {
	a := newAccumulator(t, 3)

	var fired atomic.Int32
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := vault.DeleteRequest{MessageID: 9, Pmid: "pmid-1", Data: chunkA, Size: 1}
			if a.AddPendingRequest(req, vault.NodeID(fmt.Sprintf("dm-%d", i)), nil) {
				fired.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fired.Load())
}
