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

package peer

import (
	"context"

	"github.com/pmidvault/vault-go/wire"
)

// ID is the network identity of a vault or client node.
type ID string

// String returns the identity as a string
func (id ID) String() string {
	return string(id)
}

// Info represents information about a peer. This struct is intended to be used by peer discovery mechanisms
// when calling `Service.SetPeers()`
type Info struct {
	// ID is the identity of the node. If empty, Address is used as the identity.
	ID      ID
	Address string
	IsSelf  bool
}

// NodeID returns the identity of the peer, falling back to the address when no ID was provided.
func (i Info) NodeID() ID {
	if i.ID != "" {
		return i.ID
	}
	return ID(i.Address)
}

// Client is the interface that must be implemented by a peer.
type Client interface {
	// Send delivers the envelope to the peer. Delivery is fire-and-forget from the caller's point
	// of view; the transport owns retry and backoff.
	Send(ctx context.Context, env *wire.Envelope) error
	PeerInfo() Info
	HashKey() string
}

// LoopbackClient is used as the client for the local instance. Envelopes addressed to ourselves
// are handed straight to the handler without touching the network.
type LoopbackClient struct {
	Info    Info
	Handler func(ctx context.Context, env *wire.Envelope) error
}

func (c *LoopbackClient) Send(ctx context.Context, env *wire.Envelope) error {
	if c.Handler == nil {
		return nil
	}
	return c.Handler(ctx, env)
}

func (c *LoopbackClient) PeerInfo() Info {
	return c.Info
}

func (c *LoopbackClient) HashKey() string {
	return string(c.Info.NodeID())
}
