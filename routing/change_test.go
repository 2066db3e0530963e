package routing_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmidvault/vault-go/routing"
	"github.com/pmidvault/vault-go/transport/peer"
)

func TestChangeJoinedAndLeft(t *testing.T) {
	before := routing.NewRing(routing.Options{}, "a", "b", "c")
	after := routing.NewRing(routing.Options{}, "b", "c", "d")

	c := routing.NewChange(before, after, "b", 2)
	assert.Equal(t, []peer.ID{"d"}, c.Joined())
	assert.Equal(t, []peer.ID{"a"}, c.Left())
}

func TestCheckHolders(t *testing.T) {
	nodes := []peer.ID{"n1", "n2", "n3", "n4", "n5", "n6"}
	before := routing.NewRing(routing.Options{}, nodes[:5]...)
	after := routing.NewRing(routing.Options{}, nodes...)
	const groupSize = 3

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("account-%d", i)
		oldGroup := before.Closest(key, groupSize)
		newGroup := after.Closest(key, groupSize)

		for _, self := range nodes[:5] {
			check := routing.NewChange(before, after, self, groupSize).CheckHolders(key)
			assert.Equal(t, after.IsMember(self, key, groupSize), check.InRange)

			// A joining node can only displace existing holders
			for _, id := range check.NewHolders {
				assert.Contains(t, newGroup, id)
				assert.NotContains(t, oldGroup, id)
			}
			for _, id := range check.OldHolders {
				assert.Contains(t, oldGroup, id)
				assert.NotContains(t, newGroup, id)
			}
			require.Equal(t, len(check.OldHolders), len(check.NewHolders))
		}
	}
}

func TestCheckHoldersUnchanged(t *testing.T) {
	ring := routing.NewRing(routing.Options{}, "a", "b", "c", "d")
	check := routing.NewChange(ring, ring, "a", 4).CheckHolders("key")
	assert.True(t, check.InRange)
	assert.Empty(t, check.OldHolders)
	assert.Empty(t, check.NewHolders)
}
