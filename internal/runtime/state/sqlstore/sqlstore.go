// Package sqlstore implements the state store contract on database/sql. The
// sqlite and postgres packages supply the driver, the schema and the
// placeholder style.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	errspkg "github.com/drblury/eventmediator/internal/runtime/errors"
	jsoncodec "github.com/drblury/eventmediator/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/eventmediator/internal/runtime/metadata"
	statepkg "github.com/drblury/eventmediator/internal/runtime/state"
)

// maxKeysPerQuery keeps IN lists under SQLite's bound parameter limit.
const maxKeysPerQuery = 500

// Dialect captures the differences between the supported databases.
type Dialect struct {
	Name string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
}

// QuestionMark is the SQLite placeholder style.
func QuestionMark(int) string { return "?" }

// Dollar is the PostgreSQL placeholder style.
func Dollar(n int) string { return fmt.Sprintf("$%d", n) }

// Store persists states in a single table with columns
// (state_key, value, version, metadata, modified_time).
type Store struct {
	db      *sql.DB
	table   string
	dialect Dialect
	now     func() time.Time
}

var _ statepkg.Store = (*Store)(nil)

// New wraps an open database. table must already exist.
func New(db *sql.DB, table string, dialect Dialect) *Store {
	return &Store{db: db, table: table, dialect: dialect, now: func() time.Time { return time.Now().UTC() }}
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, keys []string) (map[string]statepkg.State, error) {
	result := make(map[string]statepkg.State, len(keys))
	for start := 0; start < len(keys); start += maxKeysPerQuery {
		end := min(start+maxKeysPerQuery, len(keys))
		if err := s.getChunk(ctx, s.db, keys[start:end], result); err != nil {
			return nil, errspkg.Intermittent(fmt.Errorf("%s: get states: %w", s.dialect.Name, err))
		}
	}
	return result, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) getChunk(ctx context.Context, q querier, keys []string, into map[string]statepkg.State) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, key := range keys {
		placeholders[i] = s.dialect.Placeholder(i + 1)
		args[i] = key
	}
	// #nosec G201 - table name comes from configuration, values are bound
	query := fmt.Sprintf(`SELECT state_key, value, version, metadata, modified_time FROM %s WHERE state_key IN (%s)`,
		s.table, strings.Join(placeholders, ", "))

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return err
		}
		into[st.Key] = st
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanState(row scanner) (statepkg.State, error) {
	var (
		st       statepkg.State
		metadata []byte
	)
	if err := row.Scan(&st.Key, &st.Value, &st.Version, &metadata, &st.ModifiedTime); err != nil {
		return statepkg.State{}, err
	}
	st.Metadata = metadatapkg.Metadata{}
	if len(metadata) > 0 {
		if err := jsoncodec.Unmarshal(metadata, &st.Metadata); err != nil {
			return statepkg.State{}, fmt.Errorf("decode metadata for %q: %w", st.Key, err)
		}
	}
	return st, nil
}

func (s *Store) current(ctx context.Context, tx *sql.Tx, key string) (*statepkg.State, error) {
	// #nosec G201
	query := fmt.Sprintf(`SELECT state_key, value, version, metadata, modified_time FROM %s WHERE state_key = %s`,
		s.table, s.dialect.Placeholder(1))
	st, err := scanState(tx.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) Create(ctx context.Context, states []statepkg.State) ([]string, error) {
	var failed []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		p := s.dialect.Placeholder
		// #nosec G201
		query := fmt.Sprintf(`INSERT INTO %s (state_key, value, version, metadata, modified_time) VALUES (%s, %s, 0, %s, %s) ON CONFLICT (state_key) DO NOTHING`,
			s.table, p(1), p(2), p(3), p(4))
		for _, st := range states {
			metadata, err := encodeMetadata(st.Metadata)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, query, st.Key, st.Value, metadata, s.now())
			if err != nil {
				return fmt.Errorf("insert %q: %w", st.Key, err)
			}
			if affected, err := res.RowsAffected(); err == nil && affected == 0 {
				failed = append(failed, st.Key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errspkg.Intermittent(fmt.Errorf("%s: create states: %w", s.dialect.Name, err))
	}
	return failed, nil
}

func (s *Store) Update(ctx context.Context, states []statepkg.State) (map[string]*statepkg.State, error) {
	failed := make(map[string]*statepkg.State)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		p := s.dialect.Placeholder
		// #nosec G201
		query := fmt.Sprintf(`UPDATE %s SET value = %s, version = version + 1, metadata = %s, modified_time = %s WHERE state_key = %s AND version = %s`,
			s.table, p(1), p(2), p(3), p(4), p(5))
		for _, st := range states {
			metadata, err := encodeMetadata(st.Metadata)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, query, st.Value, metadata, s.now(), st.Key, st.Version)
			if err != nil {
				return fmt.Errorf("update %q: %w", st.Key, err)
			}
			if err := s.collectConflict(ctx, tx, res, st.Key, failed); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errspkg.Intermittent(fmt.Errorf("%s: update states: %w", s.dialect.Name, err))
	}
	return failed, nil
}

func (s *Store) Delete(ctx context.Context, states []statepkg.State) (map[string]*statepkg.State, error) {
	failed := make(map[string]*statepkg.State)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// #nosec G201
		query := fmt.Sprintf(`DELETE FROM %s WHERE state_key = %s AND version = %s`,
			s.table, s.dialect.Placeholder(1), s.dialect.Placeholder(2))
		for _, st := range states {
			res, err := tx.ExecContext(ctx, query, st.Key, st.Version)
			if err != nil {
				return fmt.Errorf("delete %q: %w", st.Key, err)
			}
			if err := s.collectConflict(ctx, tx, res, st.Key, failed); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errspkg.Intermittent(fmt.Errorf("%s: delete states: %w", s.dialect.Name, err))
	}
	return failed, nil
}

func (s *Store) collectConflict(ctx context.Context, tx *sql.Tx, res sql.Result, key string, failed map[string]*statepkg.State) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	current, err := s.current(ctx, tx, key)
	if err != nil {
		return fmt.Errorf("read conflicting %q: %w", key, err)
	}
	failed[key] = current
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// encodeMetadata returns JSON text; JSONB columns reject bytea parameters.
func encodeMetadata(md metadatapkg.Metadata) (string, error) {
	if md == nil {
		md = metadatapkg.Metadata{}
	}
	data, err := jsoncodec.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}
