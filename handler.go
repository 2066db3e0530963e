package vault

import (
	"context"
	"fmt"

	"github.com/pmidvault/vault-go/wire"
)

// operation describes how one kind of inbound message is handled.
type operation[R Request] struct {
	decode func(env *wire.Envelope) (R, error)
	// validate (Optional) rejects senders which may not send this message
	validate func(req R, sender NodeID) error
	// accumulate gates run until the accumulator has seen enough distinct senders
	accumulate bool
	run        func(ctx context.Context, req R, sender NodeID) error
}

// HandleEnvelope is called by the transport for every envelope delivered to this vault.
// Malformed and unauthorised messages are logged and dropped; the returned error only
// describes why, it is never fatal.
func (s *Service) HandleEnvelope(ctx context.Context, env *wire.Envelope) error {
	s.stats.Requests.Add(1)

	switch env.Kind {
	case wire.KindPutRequest:
		return handle(ctx, s, env, operation[PutRequest]{
			decode: UnmarshalPutRequest,
			validate: func(req PutRequest, sender NodeID) error {
				return s.validateDataSender(sender, req.Pmid, req.Data)
			},
			accumulate: true,
			run: func(ctx context.Context, req PutRequest, _ NodeID) error {
				return propose(ctx, s, s.putSync, UnresolvedAction[PutAction]{
					Key:       entryKey(req.Pmid, req.Data),
					Action:    PutAction{Size: req.Size},
					MessageID: req.MessageID,
				}, s.HandleSyncedPut)
			},
		})
	case wire.KindDeleteRequest:
		return handle(ctx, s, env, operation[DeleteRequest]{
			decode: UnmarshalDeleteRequest,
			validate: func(req DeleteRequest, sender NodeID) error {
				return s.validateDataSender(sender, req.Pmid, req.Data)
			},
			accumulate: true,
			run: func(ctx context.Context, req DeleteRequest, _ NodeID) error {
				return propose(ctx, s, s.deleteSync, UnresolvedAction[DeleteAction]{
					Key:       entryKey(req.Pmid, req.Data),
					Action:    DeleteAction{Size: req.Size},
					MessageID: req.MessageID,
				}, s.HandleSyncedDelete)
			},
		})
	case wire.KindPutFailure:
		return handle(ctx, s, env, operation[PutFailure]{
			decode: UnmarshalPutFailure,
			validate: func(req PutFailure, sender NodeID) error {
				return s.validatePmidSender(sender, req.Pmid)
			},
			accumulate: true,
			run: func(ctx context.Context, req PutFailure, _ NodeID) error {
				return propose(ctx, s, s.deleteSync, UnresolvedAction[DeleteAction]{
					Key:       entryKey(req.Pmid, req.Data),
					Action:    DeleteAction{Size: req.Size, Failed: true},
					MessageID: req.MessageID,
				}, s.HandleSyncedDelete)
			},
		})
	case wire.KindHealthRequest:
		return handle(ctx, s, env, operation[HealthRequest]{
			decode: UnmarshalHealthRequest,
			validate: func(req HealthRequest, sender NodeID) error {
				if !s.isPeer(sender) {
					return newError(PermissionDenied, fmt.Sprintf("'%s' is not a known vault", sender))
				}
				return s.validateForThisPersona(req.Pmid)
			},
			accumulate: true,
			run:        s.HandleHealthRequest,
		})
	case wire.KindGetAccountRequest:
		return handle(ctx, s, env, operation[GetAccountRequest]{
			decode: UnmarshalGetAccountRequest,
			validate: func(req GetAccountRequest, sender NodeID) error {
				return s.validatePmidSender(sender, req.Pmid)
			},
			accumulate: true,
			run: func(ctx context.Context, req GetAccountRequest, _ NodeID) error {
				return s.HandleSendPmidAccount(ctx, req)
			},
		})
	case wire.KindSynchronise:
		return handle(ctx, s, env, operation[Synchronise]{
			decode: UnmarshalSynchronise,
			validate: func(req Synchronise, sender NodeID) error {
				return s.validateGroupSender(sender, req.Pmid)
			},
			run: s.handleSynchronise,
		})
	case wire.KindAccountTransfer:
		return handle(ctx, s, env, operation[AccountTransfer]{
			decode: UnmarshalAccountTransfer,
			validate: func(req AccountTransfer, sender NodeID) error {
				if !s.isPeer(sender) {
					return newError(PermissionDenied, fmt.Sprintf("'%s' is not a known vault", sender))
				}
				return s.validateForThisPersona(req.Contents.Metadata.Group)
			},
			accumulate: true,
			run:        s.HandleAccountTransfer,
		})
	case wire.KindPutResponse, wire.KindHealthResponse, wire.KindAccountContents:
		// Responses are consumed by other personas
		s.opts.Logger.Debug("ignoring response",
			"category", "vault", "kind", env.Kind.String(), "sender", env.Sender)
		return nil
	default:
		s.stats.RequestsRejected.Add(1)
		s.opts.Logger.Warn("dropping envelope of unknown kind",
			"category", "vault", "kind", env.Kind.String(), "sender", env.Sender)
		return newError(InvalidParameter, "unknown message kind "+env.Kind.String())
	}
}

// handle runs the decode, validate, accumulate and run steps shared by every message kind.
func handle[R Request](ctx context.Context, s *Service, env *wire.Envelope, op operation[R]) error {
	sender := NodeID(env.Sender)

	req, err := op.decode(env)
	if err != nil {
		s.stats.RequestsRejected.Add(1)
		s.opts.Logger.Error("while parsing message",
			"category", "vault", "kind", env.Kind.String(), "sender", sender, "err", err)
		return err
	}

	if op.validate != nil {
		if err := op.validate(req, sender); err != nil {
			s.stats.RequestsRejected.Add(1)
			s.opts.Logger.Warn("dropping message",
				"category", "vault", "kind", env.Kind.String(), "sender", sender, "err", err)
			return err
		}
	}

	if op.accumulate {
		if !s.accumulator.AddPendingRequest(req, sender, s.accumulator.RequiredRequests(req.Kind())) {
			return nil
		}
		s.stats.QuorumsReached.Add(1)
	}
	return op.run(ctx, req, sender)
}

func (s *Service) handleSynchronise(ctx context.Context, req Synchronise, sender NodeID) error {
	switch req.ActionType {
	case ActionPut:
		return mergeSync(ctx, s, s.putSync, req, sender, s.HandleSyncedPut)
	case ActionDelete:
		return mergeSync(ctx, s, s.deleteSync, req, sender, s.HandleSyncedDelete)
	case ActionSetAvailableSize:
		return mergeSync(ctx, s, s.sizeSync, req, sender, s.HandleSyncedSetAvailableSize)
	default:
		s.stats.RequestsRejected.Add(1)
		s.opts.Logger.Error("dropping synchronise message with unhandled action type",
			"category", "vault", "group", req.Pmid, "sender", sender, "action", req.ActionType.String())
		return newError(UnhandledActionType, req.ActionType.String())
	}
}

// mergeSync adds the vote of sender carried by req and applies the action if it
// completed a quorum.
func mergeSync[A Action](ctx context.Context, s *Service, sy *Sync[A], req Synchronise, sender NodeID,
	apply func(context.Context, UnresolvedAction[A]) error) error {

	ua, err := sy.UnmarshalUnresolvedAction(req.SerialisedAction, sender)
	if err != nil {
		s.stats.RequestsRejected.Add(1)
		s.opts.Logger.Error("while parsing unresolved action",
			"category", "vault", "group", req.Pmid, "sender", sender, "err", err)
		return err
	}
	if ua.Key.Group != req.Pmid {
		s.stats.RequestsRejected.Add(1)
		err := newError(InvalidParameter, fmt.Sprintf("action for '%s' sent to '%s'", ua.Key.Group, req.Pmid))
		s.opts.Logger.Error("dropping synchronise message",
			"category", "vault", "group", req.Pmid, "sender", sender, "err", err)
		return err
	}

	resolved, ok := sy.AddUnresolvedAction(ua)
	if !ok {
		return nil
	}
	s.stats.ActionsResolved.Add(1)
	return apply(ctx, *resolved)
}

func entryKey(pmid GroupName, data DataName) EntryKey {
	return EntryKey{Group: pmid, Type: data.Type, Name: data.Name}
}
