package vault

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pmidvault/vault-go/transport/peer"
	"github.com/pmidvault/vault-go/wire"
)

// maxParallelSends bounds the number of concurrent sends of a single fan-out
const maxParallelSends = 16

// send delivers msg to every target in parallel. Sends to this vault are handed to
// HandleEnvelope directly. Targets which are not peers, such as PMID nodes, are dialled
// using their identity as the address.
func (s *Service) send(ctx context.Context, targets []NodeID, group GroupName, msg Request) error {
	if len(targets) == 0 {
		return nil
	}

	env := &wire.Envelope{
		Kind:      msg.Kind(),
		MessageID: msg.ID(),
		Sender:    string(s.self),
		Group:     string(group),
		Payload:   msg.Marshal(),
	}

	var errs MultiError
	var mu sync.Mutex
	fail := func(err error) {
		s.stats.SendErrors.Add(1)
		mu.Lock()
		errs.Add(err)
		mu.Unlock()
	}

	s.mu.RLock()
	clients := make(map[NodeID]sendFunc, len(targets))
	for _, id := range targets {
		if c, ok := s.clients[id]; ok {
			clients[id] = c.Send
		}
	}
	s.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(maxParallelSends)
	for _, id := range targets {
		sendFn, ok := clients[id]
		if !ok {
			c, err := s.opts.Transport.NewClient(ctx, peer.Info{ID: id, Address: string(id)})
			if err != nil {
				fail(fmt.Errorf("while creating client for '%s': %w", id, err))
				continue
			}
			sendFn = c.Send
		}
		g.Go(func() error {
			if err := sendFn(ctx, env); err != nil {
				fail(fmt.Errorf("while sending %s to '%s': %w", env.Kind, id, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs.NilOrError()
}

type sendFunc func(ctx context.Context, env *wire.Envelope) error

// sendSync sends this vault's vote for ua to the other managers of the account.
func sendSync[A Action](ctx context.Context, s *Service, ua UnresolvedAction[A]) error {
	peers := slices.DeleteFunc(s.groupOf(string(ua.Key.Group)), func(id NodeID) bool {
		return id == s.self
	})

	msg := Synchronise{
		MessageID:        ua.MessageID,
		Pmid:             ua.Key.Group,
		ActionType:       ua.Action.Kind(),
		SerialisedAction: MarshalUnresolvedAction(ua),
	}
	s.stats.SyncsSent.Add(int64(len(peers)))
	return s.send(ctx, peers, ua.Key.Group, msg)
}

func syncSender[A Action](s *Service) SyncSender[A] {
	return func(ctx context.Context, ua UnresolvedAction[A]) error {
		return sendSync(ctx, s, ua)
	}
}
