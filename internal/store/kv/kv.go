// Package kv implements the changelog store on top of an embedded tm-db
// database.
package kv

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	dbm "github.com/tendermint/tm-db"

	"github.com/treesync/treesync/internal/store"
	"github.com/treesync/treesync/types"
)

var _ store.ChangelogStore = (*Store)(nil)

// numStripes bounds the coordinate locks. Stripes are shared by all
// trees, so two events touching unrelated coordinates may still wait on
// each other when their coordinates hash to the same stripe.
const numStripes = 256

// Store keeps changelogs in a key-value database. The database has no
// conditional write, so the compare-and-set of a coordinate is done under
// a lock striped by coordinate and the writes of one event are committed
// in a single batch. Audit and completeness rows are keyed by sequence
// number and need no lock beyond those of the event's path.
type Store struct {
	db      dbm.DB
	stripes [numStripes]sync.Mutex
	// first is held while the first completeness row of a tree is
	// decided. It is always taken after the stripes.
	first sync.Mutex
}

// NewStore creates a changelog store over db.
func NewStore(db dbm.DB) *Store {
	return &Store{db: db}
}

func stripeOf(tree types.Pubkey, coord uint64) int {
	h := binary.LittleEndian.Uint64(tree[:8]) ^ (coord * 0x9E3779B97F4A7C15)
	return int(h>>56) % numStripes
}

// lock acquires the stripes of the given coordinates in ascending order
// and returns the release function.
func (s *Store) lock(tree types.Pubkey, coords []uint64) func() {
	seen := make(map[int]struct{}, len(coords))
	idx := make([]int, 0, len(coords))
	for _, c := range coords {
		i := stripeOf(tree, c)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		s.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			s.stripes[idx[j]].Unlock()
		}
	}
}

// Apply implements store.ChangelogStore.
func (s *Store) Apply(ctx context.Context, ev types.ChangelogEvent, meta types.ApplyMeta) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ev.ValidateBasic(); err != nil {
		return false, err
	}

	nodes := ev.PathNodes()
	coords := make([]uint64, 0, len(nodes))
	for _, n := range nodes {
		coords = append(coords, n.NodeIndex)
	}
	unlock := s.lock(ev.Tree, coords)
	defer unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, n := range nodes {
		key := pathNodeKey(ev.Tree, n.NodeIndex)
		cur, err := s.db.Get(key)
		if err != nil {
			return false, err
		}
		if cur != nil {
			stored, err := decodePathNode(ev.Tree, n.NodeIndex, cur)
			if err != nil {
				return false, err
			}
			if stored.Seq >= n.Seq {
				continue
			}
		}
		if err := batch.Set(key, encodePathNode(n)); err != nil {
			return false, err
		}
	}

	aKey := auditKey(ev.Tree, ev.Seq)
	exists, err := s.db.Has(aKey)
	if err != nil {
		return false, err
	}
	if !exists {
		rec := types.ChangelogAuditRecord{
			Tree:            ev.Tree,
			Seq:             ev.Seq,
			Tx:              meta.Tx,
			InstructionKind: meta.Kind,
			LeafIndex:       ev.LeafIndex(),
		}
		if err := batch.Set(aKey, encodeAudit(rec)); err != nil {
			return false, err
		}
	}

	cKey := completenessKey(ev.Tree, ev.Seq)
	hasRow, err := s.db.Has(cKey)
	if err != nil {
		return false, err
	}
	if !hasRow {
		first, err := s.isEmpty(treePrefix(prefixComplete, ev.Tree))
		if err != nil {
			return false, err
		}
		if first {
			s.first.Lock()
			defer s.first.Unlock()
			if first, err = s.isEmpty(treePrefix(prefixComplete, ev.Tree)); err != nil {
				return false, err
			}
		}
		c := types.BackfillCompleteness{
			Tree:       ev.Tree,
			Seq:        ev.Seq,
			Slot:       meta.Slot,
			ForceCheck: first && ev.Seq > 1,
			Backfilled: meta.Backfilled,
		}
		if err := batch.Set(cKey, encodeCompleteness(c)); err != nil {
			return false, err
		}
		if c.ForceCheck {
			if err := batch.Set(forceCheckKey(ev.Tree), []byte{1}); err != nil {
				return false, err
			}
		}
	}

	if err := batch.WriteSync(); err != nil {
		return false, fmt.Errorf("writing changelog seq %d: %w", ev.Seq, err)
	}
	return !exists, nil
}

func (s *Store) isEmpty(prefix []byte) (bool, error) {
	it, err := s.db.Iterator(prefix, prefixEnd(prefix))
	if err != nil {
		return false, err
	}
	defer it.Close()
	return !it.Valid(), it.Error()
}

// Read implements store.ChangelogStore.
func (s *Store) Read(ctx context.Context, tree types.Pubkey, nodeIndex uint64) (types.PathNode, error) {
	if err := ctx.Err(); err != nil {
		return types.PathNode{}, err
	}
	bz, err := s.db.Get(pathNodeKey(tree, nodeIndex))
	if err != nil {
		return types.PathNode{}, err
	}
	if bz == nil {
		return types.PathNode{}, store.ErrNotFound
	}
	return decodePathNode(tree, nodeIndex, bz)
}

// ReadMany implements store.ChangelogStore.
func (s *Store) ReadMany(ctx context.Context, tree types.Pubkey, nodeIndices []uint64) (map[uint64]types.PathNode, error) {
	out := make(map[uint64]types.PathNode, len(nodeIndices))
	for _, idx := range nodeIndices {
		n, err := s.Read(ctx, tree, idx)
		if err == store.ErrNotFound {
			continue
		} else if err != nil {
			return nil, err
		}
		out[idx] = n
	}
	return out, nil
}

// audits iterates the audit rows of a tree in ascending sequence order.
func (s *Store) audits(tree types.Pubkey, fn func(types.ChangelogAuditRecord) (bool, error)) error {
	prefix := treePrefix(prefixAudit, tree)
	it, err := s.db.Iterator(prefix, prefixEnd(prefix))
	if err != nil {
		return err
	}
	defer it.Close()

	for ; it.Valid(); it.Next() {
		seq, err := decodeSeqKey(it.Key(), prefixAudit)
		if err != nil {
			return err
		}
		rec, err := decodeAudit(tree, seq, it.Value())
		if err != nil {
			return err
		}
		more, err := fn(rec)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return it.Error()
}

// SequenceGaps implements store.ChangelogStore.
func (s *Store) SequenceGaps(ctx context.Context, tree types.Pubkey) ([]store.SeqWindow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		gaps []store.SeqWindow
		prev *types.ChangelogAuditRecord
	)
	err := s.audits(tree, func(rec types.ChangelogAuditRecord) (bool, error) {
		if prev != nil && rec.Seq-prev.Seq > 1 {
			gaps = append(gaps, store.SeqWindow{
				PrevSeq: prev.Seq,
				PrevTx:  prev.Tx,
				NextSeq: rec.Seq,
				NextTx:  rec.Tx,
			})
		}
		prev = &rec
		return true, nil
	})
	return gaps, err
}

// SequenceBounds implements store.ChangelogStore.
func (s *Store) SequenceBounds(ctx context.Context, tree types.Pubkey) (store.Bounds, error) {
	if err := ctx.Err(); err != nil {
		return store.Bounds{}, err
	}
	prefix := treePrefix(prefixAudit, tree)

	first, err := s.edgeAudit(tree, prefix, false)
	if err != nil {
		return store.Bounds{}, err
	}
	last, err := s.edgeAudit(tree, prefix, true)
	if err != nil {
		return store.Bounds{}, err
	}
	return store.Bounds{MinSeq: first.Seq, MinTx: first.Tx, MaxSeq: last.Seq, MaxTx: last.Tx}, nil
}

func (s *Store) edgeAudit(tree types.Pubkey, prefix []byte, reverse bool) (types.ChangelogAuditRecord, error) {
	var (
		it  dbm.Iterator
		err error
	)
	if reverse {
		it, err = s.db.ReverseIterator(prefix, prefixEnd(prefix))
	} else {
		it, err = s.db.Iterator(prefix, prefixEnd(prefix))
	}
	if err != nil {
		return types.ChangelogAuditRecord{}, err
	}
	defer it.Close()

	if !it.Valid() {
		if err := it.Error(); err != nil {
			return types.ChangelogAuditRecord{}, err
		}
		return types.ChangelogAuditRecord{}, store.ErrNotFound
	}
	seq, err := decodeSeqKey(it.Key(), prefixAudit)
	if err != nil {
		return types.ChangelogAuditRecord{}, err
	}
	return decodeAudit(tree, seq, it.Value())
}

// SignatureAtOrAfter implements store.ChangelogStore.
func (s *Store) SignatureAtOrAfter(ctx context.Context, tree types.Pubkey, seq uint64) (types.Signature, error) {
	if err := ctx.Err(); err != nil {
		return types.Signature{}, err
	}
	prefix := treePrefix(prefixAudit, tree)
	it, err := s.db.Iterator(auditKey(tree, seq), prefixEnd(prefix))
	if err != nil {
		return types.Signature{}, err
	}
	defer it.Close()

	if !it.Valid() {
		if err := it.Error(); err != nil {
			return types.Signature{}, err
		}
		return types.Signature{}, store.ErrNotFound
	}
	found, err := decodeSeqKey(it.Key(), prefixAudit)
	if err != nil {
		return types.Signature{}, err
	}
	rec, err := decodeAudit(tree, found, it.Value())
	if err != nil {
		return types.Signature{}, err
	}
	return rec.Tx, nil
}

// MarkForceCheck implements store.ChangelogStore.
func (s *Store) MarkForceCheck(ctx context.Context, tree types.Pubkey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.SetSync(forceCheckKey(tree), []byte{1})
}

// ClearForceCheck implements store.ChangelogStore.
func (s *Store) ClearForceCheck(ctx context.Context, tree types.Pubkey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.DeleteSync(forceCheckKey(tree))
}

// ForceCheckTrees implements store.ChangelogStore.
func (s *Store) ForceCheckTrees(ctx context.Context) ([]types.Pubkey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := kindPrefix(prefixForce)
	it, err := s.db.Iterator(prefix, prefixEnd(prefix))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var trees []types.Pubkey
	for ; it.Valid(); it.Next() {
		tree, err := decodeForceCheckKey(it.Key())
		if err != nil {
			return nil, err
		}
		trees = append(trees, tree)
	}
	return trees, it.Error()
}

// Completeness implements store.ChangelogStore.
func (s *Store) Completeness(ctx context.Context, tree types.Pubkey) (store.Completeness, error) {
	if err := ctx.Err(); err != nil {
		return store.Completeness{}, err
	}
	var c store.Completeness

	force, err := s.db.Has(forceCheckKey(tree))
	if err != nil {
		return c, err
	}
	c.ForceCheck = force

	prefix := treePrefix(prefixComplete, tree)
	it, err := s.db.Iterator(prefix, prefixEnd(prefix))
	if err != nil {
		return c, err
	}
	defer it.Close()

	for ; it.Valid(); it.Next() {
		seq, err := decodeSeqKey(it.Key(), prefixComplete)
		if err != nil {
			return c, err
		}
		if _, err := decodeCompleteness(tree, seq, it.Value()); err != nil {
			return c, fmt.Errorf("completeness row %d: %w", seq, err)
		}
		c.Covered++
		if seq > c.MaxSeq {
			c.MaxSeq = seq
		}
	}
	return c, it.Error()
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }
