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

// Package vault implements the PMID manager persona of a storage vault. A group of
// vaults closest to a PMID node keeps the account of the chunks that node holds. Every
// change to an account is proposed independently by the members of the group and only
// committed once a quorum of them proposed the same change.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/pmidvault/vault-go/routing"
	"github.com/pmidvault/vault-go/transport"
	"github.com/pmidvault/vault-go/transport/peer"
)

// Logger is interface for pluggable logger.
// slog.Default() creates a logger that satisfies this interface.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options is the configuration for a Service
type Options struct {
	// Self is the identity of this vault. Required
	Self NodeID

	// GroupSize is the number of vaults closest to an account which hold it.
	// Default is 4
	GroupSize int

	// QuorumSize is the number of distinct senders required before a request or an
	// action is acted on. Default is 3
	QuorumSize int

	// MaxSyncAttempts is the number of times an unresolved action is re-sent before
	// it is abandoned. Default is 10
	MaxSyncAttempts int

	// SyncInterval is how often the Daemon calls Service.DoSync(). Default is 1 second
	SyncInterval time.Duration

	// AccumulatorCapacity is the number of requests the accumulator remembers.
	// Default is 10,000
	AccumulatorCapacity int

	// AccumulatorTTL is how long the accumulator remembers a request. Default is 10 minutes
	AccumulatorTTL time.Duration

	// ResolvedHistory is the number of resolved actions remembered per action kind.
	// Default is 4096
	ResolvedHistory int

	// HashFn is a function type that is used to calculate a hash used in the hash ring
	// Default is fnv1.HashBytes64
	HashFn routing.HashFn

	// Replicas is the number of replicas that will be used in the hash ring
	// Default is 50
	Replicas int

	// Logger is the logger that will be used by the service
	// Default is slog.Default()
	Logger Logger

	// Transport is the transport the service will use to communicate with peers in the cluster
	// Default is transport.HttpTransport
	Transport transport.Transport

	// Backend (Optional) persists accounts. When nil accounts only live in memory.
	Backend Backend

	// MetricProvider (Optional) defaults to the global otel MeterProvider
	MetricProvider *MeterProvider
}

// Service is the PMID manager persona of a vault.
type Service struct {
	opts Options
	self NodeID

	db          *GroupDb
	accumulator *Accumulator
	putSync     *Sync[PutAction]
	deleteSync  *Sync[DeleteAction]
	sizeSync    *Sync[SetAvailableSizeAction]

	mu      sync.RWMutex
	ring    *routing.Ring
	clients map[NodeID]peer.Client

	stats        ServiceStats
	registration metric.Registration
}

// New creates a Service and registers it with the transport.
func New(ctx context.Context, opts Options) (*Service, error) {
	if opts.Self == "" {
		return nil, errors.New("Options.Self cannot be empty")
	}
	if opts.GroupSize <= 0 {
		opts.GroupSize = 4
	}
	if opts.QuorumSize <= 0 {
		opts.QuorumSize = 3
	}
	if opts.QuorumSize > opts.GroupSize {
		return nil, fmt.Errorf("Options.QuorumSize (%d) cannot exceed Options.GroupSize (%d)",
			opts.QuorumSize, opts.GroupSize)
	}
	if opts.MaxSyncAttempts <= 0 {
		opts.MaxSyncAttempts = 10
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Transport == nil {
		opts.Transport = transport.NewHttpTransport(transport.HttpTransportOptions{})
	}
	if opts.MetricProvider == nil {
		opts.MetricProvider = NewMeterProvider()
	}

	s := &Service{
		opts:    opts,
		self:    opts.Self,
		ring:    routing.NewRing(routing.Options{HashFn: opts.HashFn, Replicas: opts.Replicas}),
		clients: make(map[NodeID]peer.Client),
	}

	var err error
	s.db, err = NewGroupDb(ctx, GroupDbOptions{Backend: opts.Backend, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}

	if s.putSync, err = newSync(s, UnmarshalPutAction); err != nil {
		return nil, err
	}
	if s.deleteSync, err = newSync(s, UnmarshalDeleteAction); err != nil {
		return nil, err
	}
	if s.sizeSync, err = newSync(s, UnmarshalSetAvailableSizeAction); err != nil {
		return nil, err
	}

	// The accumulator runs background goroutines, every error from here on must close it
	s.accumulator, err = NewAccumulator(AccumulatorOptions{
		QuorumSize: opts.QuorumSize,
		Capacity:   opts.AccumulatorCapacity,
		TTL:        opts.AccumulatorTTL,
	})
	if err != nil {
		return nil, err
	}

	meter := opts.MetricProvider.getMeter()
	instruments, err := newServiceInstruments(meter)
	if err != nil {
		s.accumulator.Close()
		return nil, err
	}
	s.registration, err = instruments.register(meter, &s.stats, func() int64 {
		return int64(s.PendingActions())
	})
	if err != nil {
		s.accumulator.Close()
		return nil, err
	}

	// Register our service with the transport
	s.opts.Transport.Register(s)
	return s, nil
}

func newSync[A Action](s *Service, unmarshal func([]byte) (A, error)) (*Sync[A], error) {
	return NewSync(SyncOptions[A]{
		Unmarshal:       unmarshal,
		Self:            s.self,
		Quorum:          s.opts.QuorumSize,
		MaxAttempts:     s.opts.MaxSyncAttempts,
		ResolvedHistory: s.opts.ResolvedHistory,
		Logger:          s.opts.Logger,
		OnAbandon: func(UnresolvedAction[A]) {
			s.stats.ActionsAbandoned.Add(1)
		},
	})
}

// Self returns the identity of this vault.
func (s *Service) Self() NodeID {
	return s.self
}

// GroupDb returns the accounts held by this vault.
func (s *Service) GroupDb() *GroupDb {
	return s.db
}

// Stats returns the counters of this service.
func (s *Service) Stats() *ServiceStats {
	return &s.stats
}

// PendingActions returns the number of actions waiting for the group to agree.
func (s *Service) PendingActions() int {
	return s.putSync.Pending() + s.deleteSync.Pending() + s.sizeSync.Pending()
}

// Close releases the resources held by the service. It does not shut down the transport.
func (s *Service) Close() error {
	s.accumulator.Close()
	if s.registration != nil {
		return s.registration.Unregister()
	}
	return nil
}

// SetPeers is called when the list of peers changes. The list must include this vault.
// Accounts affected by the change are pruned or transferred as described by HandleChurnEvent.
func (s *Service) SetPeers(ctx context.Context, peers []peer.Info) error {
	ring := routing.NewRing(routing.Options{HashFn: s.opts.HashFn, Replicas: s.opts.Replicas})
	clients := make(map[NodeID]peer.Client, len(peers))

	// calls to Transport.NewClient() could block or take some time to create a new client
	// As such, we prepare the ring and the clients before replacing the active ones.
	var includesSelf bool
	for _, p := range peers {
		id := p.NodeID()
		if p.IsSelf || id == s.self {
			clients[id] = &peer.LoopbackClient{Info: p, Handler: s.HandleEnvelope}
			ring.Add(id)
			includesSelf = true
			continue
		}
		client, err := s.opts.Transport.NewClient(ctx, p)
		if err != nil {
			return fmt.Errorf("during Transport.NewClient(): %w", err)
		}
		clients[id] = client
		ring.Add(id)
	}

	if !includesSelf {
		return errors.New("peer.Info{IsSelf: true} missing; peer list must contain the address for this vault")
	}

	s.mu.Lock()
	before := s.ring
	s.ring = ring
	s.clients = clients
	s.mu.Unlock()

	if before.IsEmpty() {
		return nil
	}
	s.HandleChurnEvent(ctx, routing.NewChange(before, ring, s.self, s.opts.GroupSize))
	return nil
}

// groupOf returns the vaults responsible for key.
func (s *Service) groupOf(key string) []NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.Closest(key, s.opts.GroupSize)
}

// IsManager reports whether this vault is one of the managers of the account of pmid.
func (s *Service) IsManager(pmid GroupName) bool {
	return s.isMember(s.self, string(pmid))
}

// Managers returns the vaults managing the account of pmid.
func (s *Service) Managers(pmid GroupName) []NodeID {
	return s.groupOf(string(pmid))
}

func (s *Service) isMember(id NodeID, key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.IsMember(id, key, s.opts.GroupSize)
}

func (s *Service) isPeer(id NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.Contains(id)
}

// validateForThisPersona checks this vault is one of the managers of pmid.
func (s *Service) validateForThisPersona(pmid GroupName) error {
	if !s.isMember(s.self, string(pmid)) {
		return newError(PermissionDenied, fmt.Sprintf("this vault does not manage '%s'", pmid))
	}
	return nil
}

// validateDataSender checks sender is one of the data managers of the chunk and is not
// the PMID node holding it.
func (s *Service) validateDataSender(sender NodeID, pmid GroupName, data DataName) error {
	if string(sender) == string(pmid) {
		return newError(PermissionDenied, fmt.Sprintf("'%s' cannot report on its own account", sender))
	}
	if !s.isMember(sender, data.Name) {
		return newError(PermissionDenied, fmt.Sprintf("'%s' is not a data manager of '%s'", sender, data))
	}
	return s.validateForThisPersona(pmid)
}

// validatePmidSender checks sender is the PMID node owning the account.
func (s *Service) validatePmidSender(sender NodeID, pmid GroupName) error {
	if string(sender) != string(pmid) {
		return newError(PermissionDenied, fmt.Sprintf("'%s' is not the pmid node '%s'", sender, pmid))
	}
	return s.validateForThisPersona(pmid)
}

// validateGroupSender checks sender is a fellow manager of pmid.
func (s *Service) validateGroupSender(sender NodeID, pmid GroupName) error {
	if !s.isMember(sender, string(pmid)) {
		return newError(PermissionDenied, fmt.Sprintf("'%s' is not a manager of '%s'", sender, pmid))
	}
	return s.validateForThisPersona(pmid)
}

// HandleSyncedPut commits a resolved put and reports the result to the data managers
// of the chunk.
func (s *Service) HandleSyncedPut(ctx context.Context, ua UnresolvedAction[PutAction]) error {
	err := s.commit(ctx, ua.Key, ua.Action)

	resp := PutResponse{
		MessageID: ua.MessageID,
		Pmid:      ua.Key.Group,
		Data:      ua.Key.DataName(),
		Size:      ua.Action.Size,
		Status:    statusOf(err),
	}
	if sendErr := s.send(ctx, s.groupOf(ua.Key.Name), ua.Key.Group, resp); sendErr != nil {
		s.opts.Logger.Warn("while sending put response",
			"category", "vault", "group", ua.Key.Group, "err", sendErr)
	}
	return err
}

// HandleSyncedDelete commits a resolved delete. The account is pruned once it is empty.
func (s *Service) HandleSyncedDelete(ctx context.Context, ua UnresolvedAction[DeleteAction]) error {
	return s.commit(ctx, ua.Key, ua.Action)
}

// HandleSyncedSetAvailableSize commits the available size the PMID node claims to have.
func (s *Service) HandleSyncedSetAvailableSize(ctx context.Context, ua UnresolvedAction[SetAvailableSizeAction]) error {
	return s.commit(ctx, ua.Key, ua.Action)
}

func (s *Service) commit(ctx context.Context, key EntryKey, action Action) error {
	if err := s.db.Commit(ctx, key.Group, action.Mutation(key)); err != nil {
		s.stats.CommitErrors.Add(1)
		s.opts.Logger.Warn("while committing action",
			"category", "vault",
			"group", key.Group,
			"key", key.String(),
			"action", action.Kind().String(),
			"err", err)
		return err
	}
	s.stats.Commits.Add(1)
	return nil
}

// HandleHealthRequest answers with the metadata of the account of pmid. It mutates nothing.
func (s *Service) HandleHealthRequest(ctx context.Context, req HealthRequest, sender NodeID) error {
	resp := HealthResponse{MessageID: req.MessageID, Status: StatusSuccess}
	md, err := s.db.GetMetadata(req.Pmid)
	if err != nil {
		resp.Status = StatusNoSuchElement
		resp.Metadata = Metadata{Group: req.Pmid}
	} else {
		resp.Metadata = md
	}
	return s.send(ctx, []NodeID{sender}, req.Pmid, resp)
}

// HandleSendPmidAccount sends the whole account of pmid to the PMID node and proposes the
// available size it reported to the rest of the group.
func (s *Service) HandleSendPmidAccount(ctx context.Context, req GetAccountRequest) error {
	resp := AccountContents{MessageID: req.MessageID, Status: StatusSuccess}
	contents, err := s.db.GetContents(req.Pmid)
	if err != nil {
		resp.Status = statusOf(err)
		resp.Contents = Contents{Metadata: Metadata{Group: req.Pmid}}
	} else {
		resp.Contents = contents
	}

	var errs MultiError
	errs.Add(s.send(ctx, []NodeID{NodeID(req.Pmid)}, req.Pmid, resp))
	if err != nil {
		// The PMID node has its answer, the error tells the transport there is no account
		errs.Add(err)
		return errs.NilOrError()
	}

	errs.Add(propose(ctx, s, s.sizeSync, UnresolvedAction[SetAvailableSizeAction]{
		Key:       EntryKey{Group: req.Pmid},
		Action:    SetAvailableSizeAction{AvailableSize: req.AvailableSize},
		MessageID: req.MessageID,
	}, s.HandleSyncedSetAvailableSize))
	return errs.NilOrError()
}

// HandleAccountTransfer replaces this vault's copy of an account with the one sent by
// the previous holders. It is only called once enough previous holders sent identical
// contents.
func (s *Service) HandleAccountTransfer(ctx context.Context, req AccountTransfer, sender NodeID) error {
	if err := s.db.ReplaceAccount(ctx, req.Contents); err != nil {
		s.stats.CommitErrors.Add(1)
		return err
	}
	s.stats.Commits.Add(1)
	s.opts.Logger.Info("received account transfer",
		"category", "vault",
		"group", req.Contents.Metadata.Group,
		"sender", sender,
		"entries", len(req.Contents.Entries))
	return nil
}

// DoSync re-sends every unresolved action carrying this vault's vote.
func (s *Service) DoSync(ctx context.Context) {
	s.putSync.IncrementAttemptsAndSendSync(ctx, syncSender[PutAction](s))
	s.deleteSync.IncrementAttemptsAndSendSync(ctx, syncSender[DeleteAction](s))
	s.sizeSync.IncrementAttemptsAndSendSync(ctx, syncSender[SetAvailableSizeAction](s))
}

// propose registers this vault's vote for ua, sends it to the rest of the group and
// applies the action if the vote completed a quorum.
func propose[A Action](ctx context.Context, s *Service, sy *Sync[A], ua UnresolvedAction[A],
	apply func(context.Context, UnresolvedAction[A]) error) error {

	resolved, ok := sy.AddLocalAction(ua)
	ua.Sender = s.self
	if err := sendSync(ctx, s, ua); err != nil {
		s.opts.Logger.Warn("while sending unresolved action",
			"category", "vault", "group", ua.Key.Group, "err", err)
	}
	if !ok {
		return nil
	}
	s.stats.ActionsResolved.Add(1)
	return apply(ctx, *resolved)
}
