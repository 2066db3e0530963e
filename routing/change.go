package routing

import (
	"slices"

	"github.com/pmidvault/vault-go/transport/peer"
)

// HolderCheck describes how responsibility for a single key moved during a
// membership change.
type HolderCheck struct {
	// InRange is true when this node is still one of the holders of the key.
	InRange bool
	// OldHolders are nodes which held the key before the change but no longer do.
	OldHolders []peer.ID
	// NewHolders are nodes which hold the key after the change but did not before.
	NewHolders []peer.ID
}

// Change captures a membership change as seen from one node.
type Change struct {
	before    *Ring
	after     *Ring
	self      peer.ID
	groupSize int
}

// NewChange returns the change between two rings for the node self, where groups hold
// groupSize nodes.
func NewChange(before, after *Ring, self peer.ID, groupSize int) *Change {
	return &Change{before: before, after: after, self: self, groupSize: groupSize}
}

// Joined returns the nodes present after the change but not before.
func (c *Change) Joined() []peer.ID {
	return difference(c.after.Nodes(), c.before.Nodes())
}

// Left returns the nodes present before the change but not after.
func (c *Change) Left() []peer.ID {
	return difference(c.before.Nodes(), c.after.Nodes())
}

// CheckHolders compares the holders of key before and after the change.
func (c *Change) CheckHolders(key string) HolderCheck {
	before := c.before.Closest(key, c.groupSize)
	after := c.after.Closest(key, c.groupSize)
	return HolderCheck{
		InRange:    slices.Contains(after, c.self),
		OldHolders: difference(before, after),
		NewHolders: difference(after, before),
	}
}

// difference returns the members of a which are not in b, preserving the order of a.
func difference(a, b []peer.ID) []peer.ID {
	var results []peer.ID
	for _, id := range a {
		if !slices.Contains(b, id) {
			results = append(results, id)
		}
	}
	return results
}
