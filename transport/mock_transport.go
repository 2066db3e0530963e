/*
Copyright Derrick J Wippler

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

package transport

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/pmidvault/vault-go/transport/peer"
	"github.com/pmidvault/vault-go/wire"
)

// MockTransport is intended to be used as a singleton. Pass a new instance of this singleton into vault.New()
// by calling MockTransport.New(). You can then inspect the parent MockTransport for call statistics of the children
// in tests. Envelopes are delivered synchronously on the calling goroutine.
// Example usage:
//
// t := NewMockTransport()
// s, err := vault.New(ctx, vault.Options{Transport: t.New()})
type MockTransport struct {
	mu         sync.Mutex
	handlers   map[string]Handler
	transports map[string]*MockTransport
	calls      map[string]*peerStats
	register   Handler
	parent     *MockTransport
	address    string
}

func NewMockTransport() *MockTransport {
	m := &MockTransport{
		handlers:   make(map[string]Handler),
		transports: make(map[string]*MockTransport),
		calls:      make(map[string]*peerStats),
	}
	// We do this to avoid accidental nil deref errors if MockTransport.New() is never called.
	m.parent = m
	return m
}

func (t *MockTransport) Register(h Handler) {
	t.register = h
}

func (t *MockTransport) New() Transport {
	m := NewMockTransport()
	// Register us as a parent of the new transport
	m.parent = t
	return m
}

func (t *MockTransport) ListenAddress() string {
	return t.address
}

func (t *MockTransport) SpawnServer(_ context.Context, address string) error {
	p := t.parent
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[address] = t.register
	p.transports[address] = t
	t.address = address
	return nil
}

func (t *MockTransport) ShutdownServer(_ context.Context) error {
	p := t.parent
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, t.address)
	delete(p.transports, t.address)
	return nil
}

func (t *MockTransport) Reset() {
	p := t.parent
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = make(map[string]*peerStats)
}

// Report returns the number of calls made for method, which is either "Send" or the
// name of an envelope kind such as "PutResponse".
func (t *MockTransport) Report(method string) string {
	p := t.parent
	p.mu.Lock()
	defer p.mu.Unlock()
	stats, ok := p.calls[method]
	if !ok {
		return ""
	}
	return stats.Report()
}

// Count returns the total number of calls made for method to every peer.
func (t *MockTransport) Count(method string) int {
	p := t.parent
	p.mu.Lock()
	defer p.mu.Unlock()
	stats, ok := p.calls[method]
	if !ok {
		return 0
	}
	var total int
	for _, c := range stats.stats {
		total += c
	}
	return total
}

func (t *MockTransport) NewClient(_ context.Context, peer peer.Info) (peer.Client, error) {
	return &MockClient{
		peer:      peer,
		transport: t,
	}, nil
}

type MockClient struct {
	transport *MockTransport
	peer      peer.Info
}

func (c *MockClient) addCall(method string, count int) {
	p := c.transport.parent
	m, ok := p.calls[method]
	if !ok {
		p.calls[method] = &peerStats{
			stats: make(map[string]int),
		}
		m = p.calls[method]
	}
	m.Add(c.peer.Address, count)
}

// Send hands a copy of env to the handler registered at the peer's address. The handler
// runs without any transport lock held, so it may send envelopes of its own.
func (c *MockClient) Send(ctx context.Context, env *wire.Envelope) error {
	p := c.transport.parent
	p.mu.Lock()
	h, ok := p.handlers[c.peer.Address]
	if ok {
		c.addCall("Send", 1)
		c.addCall(env.Kind.String(), 1)
	}
	p.mu.Unlock()

	if !ok || h == nil {
		return fmt.Errorf("dial tcp %s connect: connection refused", c.peer.Address)
	}

	// Round trip through the codec so handlers never share memory with the sender
	dup, err := wire.UnmarshalEnvelope(env.Marshal())
	if err != nil {
		return err
	}
	return h.HandleEnvelope(ctx, dup)
}

func (c *MockClient) PeerInfo() peer.Info {
	return c.peer
}

func (c *MockClient) HashKey() string {
	return string(c.peer.NodeID())
}

type peerStats struct {
	stats map[string]int
}

// Add adds a count to the peerStats Map
func (s *peerStats) Add(key string, count int) {
	s.stats[key] += count
}

// Report returns a string representation of the stats in the format <peer-name>:<count>
// Example: "peer1:50 peer2:48 peer3:45"
func (s *peerStats) Report() string {
	var b strings.Builder

	var sorted []string
	for k := range s.stats {
		sorted = append(sorted, k)
	}

	// Map keys have no guaranteed order, so we sort the keys here.
	slices.Sort(sorted)
	for i := 0; i < len(sorted); i++ {
		b.WriteString(fmt.Sprintf("%s = %d ", sorted[i], s.stats[sorted[i]]))
	}
	return strings.TrimSpace(b.String())
}
