package vault_test

import (
	"context"
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vault "github.com/pmidvault/vault-go"
	"github.com/pmidvault/vault-go/routing"
	"github.com/pmidvault/vault-go/transport/peer"
)

// accountMovingTo returns an account name which vault-5 becomes a manager of once it joins
// a cluster of four.
func accountMovingTo(t *testing.T, joining vault.NodeID) vault.GroupName {
	t.Helper()
	ring := routing.NewRing(routing.Options{}, "vault-1", "vault-2", "vault-3", "vault-4", joining)
	for i := range 1000 {
		name := fmt.Sprintf("pmid-%d", i)
		if slices.Contains(ring.Closest(name, 4), joining) {
			return vault.GroupName(name)
		}
	}
	t.Fatal("no account moves to the joining vault")
	return ""
}

func TestChurnTransfersAndPrunes(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 4, testOptions())
	group := accountMovingTo(t, "vault-5")

	tc.deliver(vault.PutRequest{MessageID: 1, Pmid: group, Data: chunkA, Size: 10}, dataManagers...)
	tc.deliver(vault.PutRequest{MessageID: 2, Pmid: group, Data: chunkB, Size: 5}, dataManagers...)
	expected, err := tc.vaults[0].GroupDb().GetContents(group)
	require.NoError(t, err)

	// The joining vault learns about the cluster first so it accepts transfers
	joined := tc.spawn(t, "vault-5")
	peers := append(slices.Clone(tc.peers), peer.Info{Address: "vault-5"})
	require.NoError(t, joined.SetPeers(ctx, peers))

	var leaving *vault.Service
	for _, s := range tc.vaults[:4] {
		require.NoError(t, s.SetPeers(ctx, peers))
		if !s.IsManager(group) {
			leaving = s
		}
	}
	require.NotNil(t, leaving)

	contents, err := joined.GroupDb().GetContents(group)
	require.NoError(t, err)
	assert.Equal(t, expected, contents)

	_, err = leaving.GroupDb().GetContents(group)
	assert.ErrorIs(t, err, vault.ErrNoSuchAccount)
	assert.Equal(t, int64(1), leaving.Stats().AccountsPruned.Get())

	var transfers int64
	for _, s := range tc.vaults[:4] {
		transfers += s.Stats().AccountTransfers.Get()
	}
	assert.Equal(t, int64(3), transfers)
	assert.True(t, joined.IsManager(group))
}

func TestChurnEvictsUnresolvedActions(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 4, testOptions())
	group := accountMovingTo(t, "vault-5")

	// Only two vaults propose so the action never reaches quorum
	put := vault.PutRequest{MessageID: 1, Pmid: group, Data: chunkA, Size: 10}
	for _, s := range tc.vaults[:2] {
		for _, sender := range dataManagers {
			_ = s.HandleEnvelope(ctx, envelopeOf(put, string(sender)))
		}
	}
	for _, s := range tc.vaults {
		require.Equal(t, 1, s.PendingActions(), s.Self())
	}

	joined := tc.spawn(t, "vault-5")
	peers := append(slices.Clone(tc.peers), peer.Info{Address: "vault-5"})
	require.NoError(t, joined.SetPeers(ctx, peers))
	for _, s := range tc.vaults[:4] {
		require.NoError(t, s.SetPeers(ctx, peers))
		if !s.IsManager(group) {
			assert.Equal(t, 0, s.PendingActions(), s.Self())
		} else {
			assert.Equal(t, 1, s.PendingActions(), s.Self())
		}
	}
}

func TestChurnUnaffectedByLeavingPeer(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 4, testOptions())

	tc.deliver(vault.PutRequest{MessageID: 1, Pmid: pmid, Data: chunkA, Size: 10}, dataManagers...)

	// With fewer vaults than a group every remaining vault still manages the account
	for _, s := range tc.vaults[:3] {
		require.NoError(t, s.SetPeers(ctx, tc.peers[:3]))
		md, err := s.GroupDb().GetMetadata(pmid)
		require.NoError(t, err)
		assert.Equal(t, int64(10), md.StoredTotalSize)
		assert.Equal(t, int64(0), s.Stats().AccountsPruned.Get())
		assert.Equal(t, int64(0), s.Stats().AccountTransfers.Get())
	}
}
