// Package sqlite persists the accounts of a vault in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	vault "github.com/pmidvault/vault-go"
)

//go:embed schema.sql
var schemaSQL string

// Ensure AccountStore implements vault.Backend at compile time.
var _ vault.Backend = (*AccountStore)(nil)

type AccountStore struct {
	db     *sql.DB
	dbPath string
}

// OpenAccountStore opens (creating if needed) the account database under basePath.
func OpenAccountStore(basePath string) (*AccountStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(basePath, "accounts.db")
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=synchronous(NORMAL)"+
		"&_pragma=wal_autocheckpoint(1000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every write is serialised by the GroupDb lock
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &AccountStore{
		db:     db,
		dbPath: dbPath,
	}, nil
}

func (s *AccountStore) Close() error {
	return s.db.Close()
}

func (s *AccountStore) DBPath() string {
	return s.dbPath
}

// SaveAccount upserts md and applies the staged entry changes in one transaction.
func (s *AccountStore) SaveAccount(ctx context.Context, md vault.Metadata, changes []vault.EntryChange) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertMetadata(ctx, tx, md); err != nil {
			return err
		}
		for _, c := range changes {
			if c.Deleted {
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM entries WHERE group_name = ? AND data_type = ? AND data_name = ?`,
					string(md.Group), int64(c.Key.Type), c.Key.Name); err != nil {
					return fmt.Errorf("delete entry: %w", err)
				}
				continue
			}
			if err := upsertEntry(ctx, tx, md.Group, c.Key, c.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceAccount overwrites the account and all of its entries.
func (s *AccountStore) ReplaceAccount(ctx context.Context, contents vault.Contents) error {
	md := contents.Metadata
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entries WHERE group_name = ?`, string(md.Group)); err != nil {
			return fmt.Errorf("clear entries: %w", err)
		}
		if err := upsertMetadata(ctx, tx, md); err != nil {
			return err
		}
		for _, e := range contents.Entries {
			if err := upsertEntry(ctx, tx, md.Group, e.Key, e.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteAccount removes the account and, through the foreign key, its entries.
func (s *AccountStore) DeleteAccount(ctx context.Context, group vault.GroupName) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM accounts WHERE group_name = ?`, string(group))
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

// LoadAccounts returns every account held in the database.
func (s *AccountStore) LoadAccounts(ctx context.Context) ([]vault.Contents, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_name, stored_count, stored_total_size, lost_count, lost_total_size,
		        claimed_available_size
		 FROM accounts ORDER BY group_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []vault.Contents
	index := make(map[vault.GroupName]int)
	for rows.Next() {
		var md vault.Metadata
		var group string
		if err := rows.Scan(&group, &md.StoredCount, &md.StoredTotalSize, &md.LostCount,
			&md.LostTotalSize, &md.ClaimedAvailableSize); err != nil {
			return nil, err
		}
		md.Group = vault.GroupName(group)
		index[md.Group] = len(results)
		results = append(results, vault.Contents{Metadata: md})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	entries, err := s.db.QueryContext(ctx,
		`SELECT group_name, data_type, data_name, size
		 FROM entries ORDER BY group_name, data_type, data_name`)
	if err != nil {
		return nil, err
	}
	defer entries.Close()

	for entries.Next() {
		var group, name string
		var dataType, size int64
		if err := entries.Scan(&group, &dataType, &name, &size); err != nil {
			return nil, err
		}
		i, ok := index[vault.GroupName(group)]
		if !ok {
			continue
		}
		results[i].Entries = append(results[i].Entries, vault.Entry{
			Key: vault.EntryKey{
				Group: vault.GroupName(group),
				Type:  vault.DataType(dataType),
				Name:  name,
			},
			Value: vault.Value{Size: size},
		})
	}
	return results, entries.Err()
}

func (s *AccountStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func upsertMetadata(ctx context.Context, tx *sql.Tx, md vault.Metadata) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO accounts (group_name, stored_count, stored_total_size, lost_count,
		                       lost_total_size, claimed_available_size, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(group_name) DO UPDATE SET
		     stored_count = excluded.stored_count,
		     stored_total_size = excluded.stored_total_size,
		     lost_count = excluded.lost_count,
		     lost_total_size = excluded.lost_total_size,
		     claimed_available_size = excluded.claimed_available_size,
		     updated_at = excluded.updated_at`,
		string(md.Group), md.StoredCount, md.StoredTotalSize, md.LostCount,
		md.LostTotalSize, md.ClaimedAvailableSize, now)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

func upsertEntry(ctx context.Context, tx *sql.Tx, group vault.GroupName, key vault.EntryKey, v vault.Value) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO entries (group_name, data_type, data_name, size)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(group_name, data_type, data_name) DO UPDATE SET size = excluded.size`,
		string(group), int64(key.Type), key.Name, v.Size)
	if err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}
	return nil
}
