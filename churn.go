package vault

import (
	"context"
	"maps"
	"slices"

	"github.com/segmentio/fasthash/fnv1a"

	"github.com/pmidvault/vault-go/routing"
)

// HandleChurnEvent updates the accounts held by this vault after the membership of the
// network changed. Accounts this vault is no longer responsible for are deleted along
// with any unresolved actions for them. For the remaining accounts the votes of previous
// holders are handed to their replacements and the account is sent to every new holder.
func (s *Service) HandleChurnEvent(ctx context.Context, change *routing.Change) {
	for _, group := range s.affectedGroups() {
		check := change.CheckHolders(string(group))

		if !check.InRange {
			s.pruneGroup(ctx, group)
			continue
		}

		for i := range min(len(check.OldHolders), len(check.NewHolders)) {
			s.putSync.ReplaceNode(group, check.OldHolders[i], check.NewHolders[i])
			s.deleteSync.ReplaceNode(group, check.OldHolders[i], check.NewHolders[i])
			s.sizeSync.ReplaceNode(group, check.OldHolders[i], check.NewHolders[i])
		}

		for _, holder := range check.NewHolders {
			if holder == s.self {
				continue
			}
			s.transferAccount(ctx, group, holder)
		}
	}
}

// affectedGroups returns every group with an account or an unresolved action on this vault.
func (s *Service) affectedGroups() []GroupName {
	groups := make(map[GroupName]struct{})
	for _, g := range s.db.Groups() {
		groups[g] = struct{}{}
	}
	for _, g := range s.putSync.Groups() {
		groups[g] = struct{}{}
	}
	for _, g := range s.deleteSync.Groups() {
		groups[g] = struct{}{}
	}
	for _, g := range s.sizeSync.Groups() {
		groups[g] = struct{}{}
	}
	return slices.Sorted(maps.Keys(groups))
}

func (s *Service) pruneGroup(ctx context.Context, group GroupName) {
	evicted := s.putSync.EvictGroup(group) +
		s.deleteSync.EvictGroup(group) +
		s.sizeSync.EvictGroup(group)

	if err := s.db.DeleteGroup(ctx, group); err == nil {
		s.stats.AccountsPruned.Add(1)
	} else if KindOf(err) != NoSuchAccount {
		s.opts.Logger.Error("while deleting account out of range",
			"category", "vault", "group", group, "err", err)
	}
	s.opts.Logger.Info("no longer responsible for account",
		"category", "vault", "group", group, "evicted_actions", evicted)
}

func (s *Service) transferAccount(ctx context.Context, group GroupName, holder NodeID) {
	contents, err := s.db.GetContents(group)
	if err != nil {
		// Only unresolved actions are held for this group
		return
	}

	// Every previous holder must use the same id so the new holder can accumulate them
	msg := AccountTransfer{
		MessageID: fnv1a.HashString64(string(group)),
		Contents:  contents,
	}
	if err := s.send(ctx, []NodeID{holder}, group, msg); err != nil {
		s.opts.Logger.Warn("while transferring account",
			"category", "vault", "group", group, "holder", holder, "err", err)
		return
	}
	s.stats.AccountTransfers.Add(1)
}
