// Package psql implements the changelog store on a PostgreSQL database.
package psql

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/adlio/schema"

	"github.com/treesync/treesync/internal/store"
	"github.com/treesync/treesync/types"
)

const (
	TableAudit        = "tree_audit"
	TablePathNode     = "path_node"
	TableCompleteness = "backfill_completeness"
	TableForceCheck   = "tree_force_check"
	DriverName        = "postgres"

	schemaMigrationID = "2023-05-01 changelog schema"
)

//go:embed schema.sql
var schemaSQL string

var _ store.ChangelogStore = (*Store)(nil)

// Store is a changelog store backed by PostgreSQL using the schema defined
// in internal/store/psql/schema.sql.
type Store struct {
	db *sql.DB
}

// NewStore opens the PostgreSQL database specified by connStr.
func NewStore(connStr string) (*Store, error) {
	db, err := sql.Open(DriverName, connStr)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewStoreFromDB wraps an open database handle.
func NewStoreFromDB(db *sql.DB) *Store { return &Store{db: db} }

// DB returns the underlying Postgres connection used by the store.
// This is exported to support testing.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate installs the schema if it has not been applied yet.
func Migrate(db *sql.DB) error {
	return schema.NewMigrator().Apply(db, []*schema.Migration{{
		ID:     schemaMigrationID,
		Script: schemaSQL,
	}})
}

// runInTransaction executes query in a fresh database transaction.
// If query reports an error, the transaction is rolled back and the
// error from query is reported to the caller.
// Otherwise, the result of committing the transaction is returned.
func runInTransaction(ctx context.Context, db *sql.DB, query func(*sql.Tx) error) error {
	dbtx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := query(dbtx); err != nil {
		_ = dbtx.Rollback() // report the initial error, not the rollback
		return err
	}
	return dbtx.Commit()
}

// Apply implements store.ChangelogStore. All statements run in one
// transaction; the path node upsert only replaces rows with a lower seq.
func (s *Store) Apply(ctx context.Context, ev types.ChangelogEvent, meta types.ApplyMeta) (bool, error) {
	if err := ev.ValidateBasic(); err != nil {
		return false, err
	}

	nodes := sq.Insert(TablePathNode).
		Columns("tree", "level", "node_idx", "hash", "seq", "leaf_idx").
		PlaceholderFormat(sq.Dollar).
		Suffix("ON CONFLICT (tree, node_idx) DO UPDATE").
		Suffix("SET level = excluded.level, hash = excluded.hash, seq = excluded.seq, leaf_idx = excluded.leaf_idx").
		Suffix("WHERE " + TablePathNode + ".seq < excluded.seq")
	for _, n := range ev.PathNodes() {
		var leafIdx interface{}
		if n.Level == 0 {
			leafIdx = int64(n.LeafIndex)
		}
		nodes = nodes.Values(n.Tree[:], int64(n.Level), int64(n.NodeIndex), n.Hash[:], int64(n.Seq), leafIdx)
	}

	audit := sq.Insert(TableAudit).
		Columns("tree", "seq", "tx", "instruction_kind", "leaf_idx").
		Values(ev.Tree[:], int64(ev.Seq), meta.Tx[:], string(meta.Kind), int64(ev.LeafIndex())).
		PlaceholderFormat(sq.Dollar).
		Suffix("ON CONFLICT (tree, seq) DO NOTHING")

	// The first completeness row of a tree above seq 1 carries force_check.
	// Writers that find the tree empty serialize on lockFirstRow so that
	// only one of them sees no rows.
	firstAboveOne := sq.Expr(
		"(NOT EXISTS (SELECT 1 FROM "+TableCompleteness+" WHERE tree = ?) AND ? > 1)",
		ev.Tree[:], int64(ev.Seq))
	completeness := sq.Insert(TableCompleteness).
		Columns("tree", "seq", "slot", "force_check", "backfilled", "failed").
		Values(ev.Tree[:], int64(ev.Seq), int64(meta.Slot), firstAboveOne, meta.Backfilled, false).
		PlaceholderFormat(sq.Dollar).
		Suffix("ON CONFLICT (tree, seq) DO NOTHING").
		Suffix("RETURNING force_check")

	var created bool
	err := runInTransaction(ctx, s.db, func(dbtx *sql.Tx) error {
		if err := lockFirstRow(ctx, dbtx, ev.Tree); err != nil {
			return err
		}
		if _, err := nodes.RunWith(dbtx).ExecContext(ctx); err != nil {
			return fmt.Errorf("upserting path nodes: %w", err)
		}

		res, err := audit.RunWith(dbtx).ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("inserting audit row: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n > 0

		var force bool
		err = completeness.RunWith(dbtx).QueryRowContext(ctx).Scan(&force)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil
		case err != nil:
			return fmt.Errorf("inserting completeness row: %w", err)
		}
		if force {
			return markForceCheck(ctx, dbtx, ev.Tree)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// lockFirstRow takes a transaction scoped advisory lock on tree when the
// tree has no completeness rows yet. Under read committed every later
// statement of the transaction sees the rows of the writer that held the
// lock before.
func lockFirstRow(ctx context.Context, dbtx *sql.Tx, tree types.Pubkey) error {
	var one int
	err := sq.Select("1").
		From(TableCompleteness).
		Where(sq.Eq{"tree": tree[:]}).
		Limit(1).
		PlaceholderFormat(sq.Dollar).
		RunWith(dbtx).
		QueryRowContext(ctx).
		Scan(&one)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("checking completeness rows: %w", err)
	}
	key := int64(binary.BigEndian.Uint64(tree[:8]))
	if _, err := dbtx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
		return fmt.Errorf("locking first completeness row: %w", err)
	}
	return nil
}

func markForceCheck(ctx context.Context, runner sq.BaseRunner, tree types.Pubkey) error {
	_, err := sq.Insert(TableForceCheck).
		Columns("tree").
		Values(tree[:]).
		PlaceholderFormat(sq.Dollar).
		Suffix("ON CONFLICT (tree) DO UPDATE SET flagged_at = now()").
		RunWith(runner).
		ExecContext(ctx)
	return err
}

// Read implements store.ChangelogStore.
func (s *Store) Read(ctx context.Context, tree types.Pubkey, nodeIndex uint64) (types.PathNode, error) {
	nodes, err := s.ReadMany(ctx, tree, []uint64{nodeIndex})
	if err != nil {
		return types.PathNode{}, err
	}
	n, ok := nodes[nodeIndex]
	if !ok {
		return types.PathNode{}, store.ErrNotFound
	}
	return n, nil
}

// ReadMany implements store.ChangelogStore.
func (s *Store) ReadMany(ctx context.Context, tree types.Pubkey, nodeIndices []uint64) (map[uint64]types.PathNode, error) {
	out := make(map[uint64]types.PathNode, len(nodeIndices))
	if len(nodeIndices) == 0 {
		return out, nil
	}
	idx := make([]int64, len(nodeIndices))
	for i, n := range nodeIndices {
		idx[i] = int64(n)
	}

	rows, err := sq.Select("level", "node_idx", "hash", "seq", "leaf_idx").
		From(TablePathNode).
		Where(sq.Eq{"tree": tree[:], "node_idx": idx}).
		PlaceholderFormat(sq.Dollar).
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			n       = types.PathNode{Tree: tree}
			hash    []byte
			leafIdx sql.NullInt64
		)
		if err := rows.Scan(&n.Level, &n.NodeIndex, &hash, &n.Seq, &leafIdx); err != nil {
			return nil, err
		}
		if n.Hash, err = types.HashFromBytes(hash); err != nil {
			return nil, err
		}
		if leafIdx.Valid {
			n.LeafIndex = uint64(leafIdx.Int64)
		}
		out[n.NodeIndex] = n
	}
	return out, rows.Err()
}

// SequenceGaps implements store.ChangelogStore with a window over the
// audit rows of the tree.
func (s *Store) SequenceGaps(ctx context.Context, tree types.Pubkey) ([]store.SeqWindow, error) {
	window := sq.Select(
		"seq", "tx",
		"LEAD(seq) OVER (ORDER BY seq) AS next_seq",
		"LEAD(tx) OVER (ORDER BY seq) AS next_tx",
	).From(TableAudit).Where(sq.Eq{"tree": tree[:]})

	rows, err := sq.Select("seq", "tx", "next_seq", "next_tx").
		FromSelect(window, "w").
		Where("next_seq - seq > 1").
		OrderBy("seq").
		PlaceholderFormat(sq.Dollar).
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gaps []store.SeqWindow
	for rows.Next() {
		var (
			w              store.SeqWindow
			prevTx, nextTx []byte
		)
		if err := rows.Scan(&w.PrevSeq, &prevTx, &w.NextSeq, &nextTx); err != nil {
			return nil, err
		}
		if w.PrevTx, err = types.SignatureFromBytes(prevTx); err != nil {
			return nil, err
		}
		if w.NextTx, err = types.SignatureFromBytes(nextTx); err != nil {
			return nil, err
		}
		gaps = append(gaps, w)
	}
	return gaps, rows.Err()
}

// SequenceBounds implements store.ChangelogStore.
func (s *Store) SequenceBounds(ctx context.Context, tree types.Pubkey) (store.Bounds, error) {
	var b store.Bounds
	var err error
	if b.MinSeq, b.MinTx, err = s.auditEdge(ctx, tree, "seq ASC"); err != nil {
		return store.Bounds{}, err
	}
	if b.MaxSeq, b.MaxTx, err = s.auditEdge(ctx, tree, "seq DESC"); err != nil {
		return store.Bounds{}, err
	}
	return b, nil
}

func (s *Store) auditEdge(ctx context.Context, tree types.Pubkey, order string) (uint64, types.Signature, error) {
	var (
		seq uint64
		tx  []byte
	)
	err := sq.Select("seq", "tx").
		From(TableAudit).
		Where(sq.Eq{"tree": tree[:]}).
		OrderBy(order).
		Limit(1).
		PlaceholderFormat(sq.Dollar).
		RunWith(s.db).
		QueryRowContext(ctx).
		Scan(&seq, &tx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, types.Signature{}, store.ErrNotFound
	} else if err != nil {
		return 0, types.Signature{}, err
	}
	sig, err := types.SignatureFromBytes(tx)
	return seq, sig, err
}

// SignatureAtOrAfter implements store.ChangelogStore.
func (s *Store) SignatureAtOrAfter(ctx context.Context, tree types.Pubkey, seq uint64) (types.Signature, error) {
	var tx []byte
	err := sq.Select("tx").
		From(TableAudit).
		Where(sq.Eq{"tree": tree[:]}).
		Where(sq.GtOrEq{"seq": int64(seq)}).
		OrderBy("seq ASC").
		Limit(1).
		PlaceholderFormat(sq.Dollar).
		RunWith(s.db).
		QueryRowContext(ctx).
		Scan(&tx)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Signature{}, store.ErrNotFound
	} else if err != nil {
		return types.Signature{}, err
	}
	return types.SignatureFromBytes(tx)
}

// MarkForceCheck implements store.ChangelogStore.
func (s *Store) MarkForceCheck(ctx context.Context, tree types.Pubkey) error {
	return markForceCheck(ctx, s.db, tree)
}

// ClearForceCheck implements store.ChangelogStore.
func (s *Store) ClearForceCheck(ctx context.Context, tree types.Pubkey) error {
	_, err := sq.Delete(TableForceCheck).
		Where(sq.Eq{"tree": tree[:]}).
		PlaceholderFormat(sq.Dollar).
		RunWith(s.db).
		ExecContext(ctx)
	return err
}

// ForceCheckTrees implements store.ChangelogStore.
func (s *Store) ForceCheckTrees(ctx context.Context) ([]types.Pubkey, error) {
	rows, err := sq.Select("tree").
		From(TableForceCheck).
		OrderBy("flagged_at").
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trees []types.Pubkey
	for rows.Next() {
		var bz []byte
		if err := rows.Scan(&bz); err != nil {
			return nil, err
		}
		tree, err := types.PubkeyFromBytes(bz)
		if err != nil {
			return nil, err
		}
		trees = append(trees, tree)
	}
	return trees, rows.Err()
}

// Completeness implements store.ChangelogStore.
func (s *Store) Completeness(ctx context.Context, tree types.Pubkey) (store.Completeness, error) {
	var c store.Completeness
	err := sq.Select("COALESCE(MAX(seq), 0)", "COUNT(DISTINCT seq)").
		Column(sq.Expr("EXISTS (SELECT 1 FROM "+TableForceCheck+" WHERE tree = ?)", tree[:])).
		From(TableCompleteness).
		Where(sq.Eq{"tree": tree[:]}).
		PlaceholderFormat(sq.Dollar).
		RunWith(s.db).
		QueryRowContext(ctx).
		Scan(&c.MaxSeq, &c.Covered, &c.ForceCheck)
	return c, err
}

// Close closes the underlying PostgreSQL database.
func (s *Store) Close() error { return s.db.Close() }
