package kv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/treesync/treesync/internal/store"
	"github.com/treesync/treesync/internal/store/storetest"
	"github.com/treesync/treesync/types"
)

func TestChangelogStore(t *testing.T) {
	storetest.Run(t, func(testing.TB) store.ChangelogStore {
		return NewStore(dbm.NewMemDB())
	})
}

func TestKeysOrderBySeq(t *testing.T) {
	tree := storetest.TreeKey(1)
	assert.Less(t, string(auditKey(tree, 9)), string(auditKey(tree, 10)))
	assert.Less(t, string(auditKey(tree, 255)), string(auditKey(tree, 256)))

	prefix := treePrefix(prefixAudit, tree)
	end := prefixEnd(prefix)
	assert.Less(t, string(auditKey(tree, types.UnboundedSeq)), string(end))

	seq, err := decodeSeqKey(auditKey(tree, 77), prefixAudit)
	require.NoError(t, err)
	assert.EqualValues(t, 77, seq)

	_, err = decodeSeqKey(completenessKey(tree, 77), prefixAudit)
	assert.Error(t, err)
}

func TestPathNodeValueRoundTrip(t *testing.T) {
	tree := storetest.TreeKey(2)
	n := types.PathNode{Tree: tree, Level: 3, NodeIndex: 5, Hash: types.Hash{9, 8, 7}, Seq: 12, LeafIndex: 0}
	got, err := decodePathNode(tree, 5, encodePathNode(n))
	require.NoError(t, err)
	assert.Equal(t, n, got)

	_, err = decodePathNode(tree, 5, []byte{1, 2})
	assert.Error(t, err)
}

func TestApplyRejectsMalformedEvent(t *testing.T) {
	s := NewStore(dbm.NewMemDB())
	defer s.Close()

	ev := storetest.EventAt(storetest.TreeKey(3), 3, 1, 1)
	ev.Path = ev.Path[:2]
	_, err := s.Apply(context.Background(), ev, types.ApplyMeta{})
	require.Error(t, err)

	_, err = s.Read(context.Background(), ev.Tree, uint64(ev.Path[0].Index))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApplyHonorsCanceledContext(t *testing.T) {
	s := NewStore(dbm.NewMemDB())
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Apply(ctx, storetest.EventAt(storetest.TreeKey(4), 3, 1, 1), types.ApplyMeta{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentFirstApplyFlagsOnce(t *testing.T) {
	s := NewStore(dbm.NewMemDB())
	defer s.Close()
	tree := storetest.TreeKey(5)

	var wg sync.WaitGroup
	for seq := uint64(2); seq <= 17; seq++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			_, err := s.Apply(context.Background(), storetest.EventAt(tree, 5, seq, seq), storetest.MetaFor(seq))
			assert.NoError(t, err)
		}(seq)
	}
	wg.Wait()

	prefix := treePrefix(prefixComplete, tree)
	it, err := s.db.Iterator(prefix, prefixEnd(prefix))
	require.NoError(t, err)
	defer it.Close()

	rows, flagged := 0, 0
	for ; it.Valid(); it.Next() {
		seq, err := decodeSeqKey(it.Key(), prefixComplete)
		require.NoError(t, err)
		c, err := decodeCompleteness(tree, seq, it.Value())
		require.NoError(t, err)
		rows++
		if c.ForceCheck {
			flagged++
		}
	}
	require.NoError(t, it.Error())
	assert.Equal(t, 16, rows)
	assert.Equal(t, 1, flagged)
}

// Once a tree has rows, an event only locks the stripes of its own path.
func TestApplyLocksOnlyItsPath(t *testing.T) {
	s := NewStore(dbm.NewMemDB())
	defer s.Close()
	tree := storetest.TreeKey(6)
	storetest.ApplySeqs(t, s, tree, 1)

	// 0 is never a node index
	idle := stripeOf(tree, 0)
	var ev types.ChangelogEvent
	found := false
	for leaf := uint64(0); leaf < 32 && !found; leaf++ {
		ev = storetest.EventAt(tree, 5, leaf, 2)
		found = true
		for _, p := range ev.Path {
			if stripeOf(tree, uint64(p.Index)) == idle {
				found = false
			}
		}
	}
	require.True(t, found, "every path collides with stripe %d", idle)

	s.stripes[idle].Lock()
	defer s.stripes[idle].Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := s.Apply(context.Background(), ev, storetest.MetaFor(2))
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("apply waited on a stripe outside its path")
	}
}
