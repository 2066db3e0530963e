package vault

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pmidvault/vault-go/wire"
)

// UnresolvedAction is an action proposed by one or more members of a PMID group which
// has not yet been agreed on by a quorum of them.
type UnresolvedAction[A Action] struct {
	Key       EntryKey
	Action    A
	MessageID uint64
	// Sender is the node which proposed this copy of the action
	Sender NodeID
	// Peers are the distinct nodes known to have proposed the action, in sorted order.
	// Only set on actions returned by Sync.
	Peers    []NodeID
	Attempts int
}

// MarshalUnresolvedAction encodes ua for the SerialisedAction field of a Synchronise message.
// The sender is not encoded, it is taken from the envelope on receipt.
func MarshalUnresolvedAction[A Action](ua UnresolvedAction[A]) []byte {
	var enc wire.Encoder
	enc.String(1, string(ua.Key.Group))
	enc.Message(2, marshalDataName(ua.Key.DataName()))
	enc.Uint(3, ua.MessageID)
	enc.Message(4, ua.Action.Marshal())
	return enc.Encoded()
}

// SyncSender delivers an unresolved action carrying this node's vote to the other
// members of the PMID group.
type SyncSender[A Action] func(ctx context.Context, ua UnresolvedAction[A]) error

// SyncOptions configures a Sync.
type SyncOptions[A Action] struct {
	// Unmarshal decodes the action part of a serialised unresolved action. Required
	Unmarshal func([]byte) (A, error)

	// Self is the identity of this node. Required
	Self NodeID

	// Quorum is the number of distinct proposers needed to resolve an action. Default is 3
	Quorum int

	// MaxAttempts is the number of times this node re-sends its vote before giving up on
	// an action. Default is 10
	MaxAttempts int

	// ResolvedHistory is the number of resolved actions remembered so late proposals are
	// ignored. Default is 4096
	ResolvedHistory int

	// OnAbandon (Optional) is called for every action dropped after MaxAttempts
	OnAbandon func(ua UnresolvedAction[A])

	// Logger (Optional) defaults to slog.Default()
	Logger Logger
}

type recordKey struct {
	key       EntryKey
	kind      ActionKind
	action    string
	messageID uint64
}

type record[A Action] struct {
	action   UnresolvedAction[A]
	peers    map[NodeID]struct{}
	local    bool
	attempts int
}

func (r *record[A]) snapshot() UnresolvedAction[A] {
	ua := r.action
	ua.Peers = slices.Sorted(maps.Keys(r.peers))
	ua.Attempts = r.attempts
	return ua
}

// Sync resolves actions of a single kind by counting the distinct members of a PMID
// group which proposed the same action for the same key and message.
type Sync[A Action] struct {
	mu       sync.Mutex
	records  map[recordKey]*record[A]
	resolved *lru.Cache[recordKey, struct{}]
	opts     SyncOptions[A]
}

func NewSync[A Action](opts SyncOptions[A]) (*Sync[A], error) {
	if opts.Unmarshal == nil {
		return nil, fmt.Errorf("SyncOptions.Unmarshal cannot be nil")
	}
	if opts.Self == "" {
		return nil, fmt.Errorf("SyncOptions.Self cannot be empty")
	}
	if opts.Quorum <= 0 {
		opts.Quorum = 3
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.ResolvedHistory <= 0 {
		opts.ResolvedHistory = 4096
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	resolved, err := lru.New[recordKey, struct{}](opts.ResolvedHistory)
	if err != nil {
		return nil, fmt.Errorf("while creating resolved history: %w", err)
	}
	return &Sync[A]{
		records:  make(map[recordKey]*record[A]),
		resolved: resolved,
		opts:     opts,
	}, nil
}

// UnmarshalUnresolvedAction decodes a serialised unresolved action received from sender.
func (s *Sync[A]) UnmarshalUnresolvedAction(b []byte, sender NodeID) (UnresolvedAction[A], error) {
	ua := UnresolvedAction[A]{Sender: sender}
	var action []byte
	hasAction := false
	err := wire.Walk(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			ua.Key.Group, err = groupField(f)
		case 2:
			var d DataName
			d, err = dataNameField(f)
			ua.Key.Type, ua.Key.Name = d.Type, d.Name
		case 3:
			ua.MessageID, err = f.Uint()
		case 4:
			action, err = f.Bytes()
			hasAction = true
		}
		return err
	})
	if err != nil {
		return UnresolvedAction[A]{}, parseError(err)
	}
	if ua.Key.Group == "" || !hasAction {
		return UnresolvedAction[A]{}, newError(ParsingError, "missing account or action")
	}
	ua.Action, err = s.opts.Unmarshal(action)
	if err != nil {
		return UnresolvedAction[A]{}, err
	}
	return ua, nil
}

// AddUnresolvedAction merges a proposal received from a peer. It returns the resolved
// action and true exactly once, when the number of distinct proposers first reaches the
// quorum.
func (s *Sync[A]) AddUnresolvedAction(ua UnresolvedAction[A]) (*UnresolvedAction[A], bool) {
	return s.add(ua, false)
}

// AddLocalAction registers this node's own proposal. The action is re-sent by
// IncrementAttemptsAndSendSync until it resolves or is abandoned.
func (s *Sync[A]) AddLocalAction(ua UnresolvedAction[A]) (*UnresolvedAction[A], bool) {
	ua.Sender = s.opts.Self
	return s.add(ua, true)
}

func (s *Sync[A]) add(ua UnresolvedAction[A], local bool) (*UnresolvedAction[A], bool) {
	id := recordKey{
		key:       ua.Key,
		kind:      ua.Action.Kind(),
		action:    string(ua.Action.Marshal()),
		messageID: ua.MessageID,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.resolved.Contains(id) {
		return nil, false
	}

	r, ok := s.records[id]
	if !ok {
		r = &record[A]{action: ua, peers: make(map[NodeID]struct{})}
		r.action.Sender = ""
		s.records[id] = r
	}
	r.peers[ua.Sender] = struct{}{}
	if local || ua.Sender == s.opts.Self {
		r.local = true
	}

	if len(r.peers) < s.opts.Quorum {
		return nil, false
	}

	delete(s.records, id)
	s.resolved.Add(id, struct{}{})
	resolved := r.snapshot()
	resolved.Sender = ua.Sender
	return &resolved, true
}

// IncrementAttemptsAndSendSync re-sends every pending action carrying this node's vote.
// Actions which have been sent MaxAttempts times are dropped and reported to OnAbandon.
func (s *Sync[A]) IncrementAttemptsAndSendSync(ctx context.Context, send SyncSender[A]) {
	var pending, abandoned []UnresolvedAction[A]

	s.mu.Lock()
	for id, r := range s.records {
		if !r.local {
			continue
		}
		r.attempts++
		if r.attempts > s.opts.MaxAttempts {
			delete(s.records, id)
			abandoned = append(abandoned, r.snapshot())
			continue
		}
		ua := r.snapshot()
		ua.Sender = s.opts.Self
		pending = append(pending, ua)
	}
	s.mu.Unlock()

	for _, ua := range abandoned {
		s.opts.Logger.Error("abandoning unresolved action",
			"category", "vault",
			"group", ua.Key.Group,
			"key", ua.Key.String(),
			"action", ua.Action.Kind().String(),
			"attempts", ua.Attempts)
		if s.opts.OnAbandon != nil {
			s.opts.OnAbandon(ua)
		}
	}

	for _, ua := range pending {
		if err := send(ctx, ua); err != nil {
			s.opts.Logger.Warn("while re-sending unresolved action",
				"category", "vault",
				"group", ua.Key.Group,
				"key", ua.Key.String(),
				"err", err)
		}
	}
}

// ReplaceNode moves the vote of oldNode to newNode on every pending action for group.
// Actions of other groups are untouched, oldNode may still be a member of those.
func (s *Sync[A]) ReplaceNode(group GroupName, oldNode, newNode NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, r := range s.records {
		if id.key.Group != group {
			continue
		}
		if _, ok := r.peers[oldNode]; !ok {
			continue
		}
		delete(r.peers, oldNode)
		r.peers[newNode] = struct{}{}
	}
}

// EvictGroup drops every pending action for group and returns how many were dropped.
func (s *Sync[A]) EvictGroup(group GroupName) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	for id := range s.records {
		if id.key.Group == group {
			delete(s.records, id)
			count++
		}
	}
	return count
}

// Groups returns every group with at least one pending action, in sorted order.
func (s *Sync[A]) Groups() []GroupName {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups := make(map[GroupName]struct{})
	for id := range s.records {
		groups[id.key.Group] = struct{}{}
	}
	return slices.Sorted(maps.Keys(groups))
}

// Pending returns the number of actions waiting for a quorum.
func (s *Sync[A]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
