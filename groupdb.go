package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// Entries is the view of an account's chunks handed to a Mutation. Changes are staged
// and only merged into the account once the mutation and the backend write succeed.
type Entries struct {
	base    map[DataName]Value
	changes map[DataName]*Value // nil value marks a deletion
}

// Get returns the value stored for name.
func (e *Entries) Get(name DataName) (Value, bool) {
	if v, ok := e.changes[name]; ok {
		if v == nil {
			return Value{}, false
		}
		return *v, true
	}
	v, ok := e.base[name]
	return v, ok
}

// Put stores value for name, replacing any existing value.
func (e *Entries) Put(name DataName, value Value) {
	e.changes[name] = &value
}

// Delete removes name and reports whether it was present.
func (e *Entries) Delete(name DataName) bool {
	if _, ok := e.Get(name); !ok {
		return false
	}
	e.changes[name] = nil
	return true
}

func (e *Entries) changeList(group GroupName) []EntryChange {
	results := make([]EntryChange, 0, len(e.changes))
	for name, v := range e.changes {
		c := EntryChange{Key: EntryKey{Group: group, Type: name.Type, Name: name.Name}}
		if v == nil {
			c.Deleted = true
		} else {
			c.Value = *v
		}
		results = append(results, c)
	}
	slices.SortFunc(results, func(a, b EntryChange) int {
		return compareDataNames(a.Key.DataName(), b.Key.DataName())
	})
	return results
}

func (e *Entries) merge() {
	for name, v := range e.changes {
		if v == nil {
			delete(e.base, name)
			continue
		}
		e.base[name] = *v
	}
}

// Mutation changes one account. It runs with the GroupDb lock held and must not call
// back into the GroupDb. Returning an error discards every change it made.
type Mutation func(md *Metadata, entries *Entries) error

// EntryChange is one staged entry write handed to the Backend.
type EntryChange struct {
	Key     EntryKey
	Value   Value
	Deleted bool
}

// Entry is a single chunk held in an account.
type Entry struct {
	Key   EntryKey
	Value Value
}

// Contents is an immutable snapshot of one account.
type Contents struct {
	Metadata Metadata
	Entries  []Entry
}

// Backend is the durable ordered store behind a GroupDb. Every method is called with
// the GroupDb lock held.
type Backend interface {
	SaveAccount(ctx context.Context, md Metadata, changes []EntryChange) error
	ReplaceAccount(ctx context.Context, contents Contents) error
	DeleteAccount(ctx context.Context, group GroupName) error
	LoadAccounts(ctx context.Context) ([]Contents, error)
}

type account struct {
	md      Metadata
	entries map[DataName]Value
}

func (a *account) contents() Contents {
	c := Contents{
		Metadata: a.md,
		Entries:  make([]Entry, 0, len(a.entries)),
	}
	for _, name := range slices.SortedFunc(maps.Keys(a.entries), compareDataNames) {
		c.Entries = append(c.Entries, Entry{
			Key:   EntryKey{Group: a.md.Group, Type: name.Type, Name: name.Name},
			Value: a.entries[name],
		})
	}
	return c
}

// GroupDbOptions configures a GroupDb.
type GroupDbOptions struct {
	// Backend (Optional) persists every committed account. When nil accounts only live in memory.
	Backend Backend

	// Logger (Optional) defaults to slog.Default()
	Logger Logger
}

// GroupDb owns the accounts of every group this vault is responsible for. A single
// mutex guards the whole map, so every Commit is atomic with respect to every other
// Commit and to every snapshot.
type GroupDb struct {
	mu      sync.Mutex
	groups  map[GroupName]*account
	backend Backend
	logger  Logger
}

// NewGroupDb creates a GroupDb, loading any accounts already held by the backend.
func NewGroupDb(ctx context.Context, opts GroupDbOptions) (*GroupDb, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	db := &GroupDb{
		groups:  make(map[GroupName]*account),
		backend: opts.Backend,
		logger:  opts.Logger,
	}
	if db.backend == nil {
		return db, nil
	}

	accounts, err := db.backend.LoadAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("while loading accounts: %w", err)
	}
	for _, c := range accounts {
		acct := db.addGroupToMap(c.Metadata.Group)
		acct.md = c.Metadata
		for _, e := range c.Entries {
			acct.entries[e.Key.DataName()] = e.Value
		}
	}
	return db, nil
}

// Commit applies m to the account of group.
//
// If no account exists a default Metadata is constructed and m is applied to it, so the
// first mutation against a group is never lost. If the resulting account is empty it is
// removed (or never created). Account creation and deletion are logged, not reported.
func (db *GroupDb) Commit(ctx context.Context, group GroupName, m Mutation) error {
	if m == nil {
		return newError(InvalidParameter, "nil mutation")
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	acct, err := db.findGroup(group)
	created := false
	switch {
	case errors.Is(err, ErrNoSuchAccount):
		db.logger.Info("account doesn't exist; creating account",
			"category", "vault", "group", group)
		acct = &account{md: Metadata{Group: group}, entries: make(map[DataName]Value)}
		created = true
	case err != nil:
		return err
	}

	md := acct.md
	entries := &Entries{base: acct.entries, changes: make(map[DataName]*Value)}
	if err := m(&md, entries); err != nil {
		return err
	}
	md.Group = group

	if md.Status() == StatusEmpty {
		if created {
			db.logger.Info("account empty after mutation; not creating account",
				"category", "vault", "group", group)
			return nil
		}
		if db.backend != nil {
			if err := db.backend.DeleteAccount(ctx, group); err != nil {
				return fmt.Errorf("while deleting account '%s': %w", group, err)
			}
		}
		db.logger.Info("account empty; deleting account", "category", "vault", "group", group)
		db.deleteGroupEntries(group)
		return nil
	}

	if db.backend != nil {
		if err := db.backend.SaveAccount(ctx, md, entries.changeList(group)); err != nil {
			return fmt.Errorf("while saving account '%s': %w", group, err)
		}
	}
	if created {
		acct = db.addGroupToMap(group)
		entries.base = acct.entries
	}
	acct.md = md
	entries.merge()
	return nil
}

// EntryMutation changes a single entry of an account together with its metadata.
// current is nil when the entry does not exist. Returning a nil Value removes the entry.
type EntryMutation func(md *Metadata, current *Value) (*Value, error)

// CommitEntry applies m to the entry identified by key within the account of key.Group.
func (db *GroupDb) CommitEntry(ctx context.Context, key EntryKey, m EntryMutation) error {
	if m == nil {
		return newError(InvalidParameter, "nil mutation")
	}
	name := key.DataName()
	return db.Commit(ctx, key.Group, func(md *Metadata, entries *Entries) error {
		var current *Value
		if v, ok := entries.Get(name); ok {
			current = &v
		}
		next, err := m(md, current)
		if err != nil {
			return err
		}
		if next == nil {
			entries.Delete(name)
			return nil
		}
		entries.Put(name, *next)
		return nil
	})
}

// GetContents returns a snapshot of the account of group.
func (db *GroupDb) GetContents(group GroupName) (Contents, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	acct, err := db.findGroup(group)
	if err != nil {
		return Contents{}, err
	}
	return acct.contents(), nil
}

// GetMetadata returns the metadata of the account of group.
func (db *GroupDb) GetMetadata(group GroupName) (Metadata, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	acct, err := db.findGroup(group)
	if err != nil {
		return Metadata{}, err
	}
	return acct.md, nil
}

// Groups returns the name of every account held, in sorted order.
func (db *GroupDb) Groups() []GroupName {
	db.mu.Lock()
	defer db.mu.Unlock()
	return slices.Sorted(maps.Keys(db.groups))
}

// DeleteGroup removes the account of group.
func (db *GroupDb) DeleteGroup(ctx context.Context, group GroupName) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := db.findGroup(group); err != nil {
		return err
	}
	if db.backend != nil {
		if err := db.backend.DeleteAccount(ctx, group); err != nil {
			return fmt.Errorf("while deleting account '%s': %w", group, err)
		}
	}
	db.deleteGroupEntries(group)
	return nil
}

// ReplaceAccount swaps the whole account of contents.Metadata.Group for contents. It is
// used when an account is transferred to this vault. An empty snapshot removes the account.
func (db *GroupDb) ReplaceAccount(ctx context.Context, contents Contents) error {
	group := contents.Metadata.Group
	for _, e := range contents.Entries {
		if e.Key.Group != group {
			return newError(InvalidParameter,
				fmt.Sprintf("entry '%s' does not belong to account '%s'", e.Key, group))
		}
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if contents.Metadata.Status() == StatusEmpty {
		if _, err := db.findGroup(group); err != nil {
			return nil
		}
		if db.backend != nil {
			if err := db.backend.DeleteAccount(ctx, group); err != nil {
				return fmt.Errorf("while deleting account '%s': %w", group, err)
			}
		}
		db.deleteGroupEntries(group)
		return nil
	}

	if db.backend != nil {
		if err := db.backend.ReplaceAccount(ctx, contents); err != nil {
			return fmt.Errorf("while replacing account '%s': %w", group, err)
		}
	}
	db.deleteGroupEntries(group)
	acct := db.addGroupToMap(group)
	acct.md = contents.Metadata
	for _, e := range contents.Entries {
		acct.entries[e.Key.DataName()] = e.Value
	}
	return nil
}

func (db *GroupDb) findGroup(group GroupName) (*account, error) {
	acct, ok := db.groups[group]
	if !ok {
		return nil, newError(NoSuchAccount, fmt.Sprintf("group '%s'", group))
	}
	return acct, nil
}

func (db *GroupDb) addGroupToMap(group GroupName) *account {
	acct := &account{md: Metadata{Group: group}, entries: make(map[DataName]Value)}
	db.groups[group] = acct
	return acct
}

func (db *GroupDb) deleteGroupEntries(group GroupName) {
	delete(db.groups, group)
}
