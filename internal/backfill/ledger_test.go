package backfill

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	dbm "github.com/tendermint/tm-db"

	"github.com/treesync/treesync/crypto/merkle"
	"github.com/treesync/treesync/internal/ledger"
	"github.com/treesync/treesync/internal/parser/parsertest"
	"github.com/treesync/treesync/internal/store"
	"github.com/treesync/treesync/internal/store/kv"
	"github.com/treesync/treesync/internal/store/storetest"
	"github.com/treesync/treesync/types"
)

// fakeLedger serves transaction history from memory. History is kept
// newest first like the real paging API.
type fakeLedger struct {
	mtx      sync.Mutex
	history  map[types.Pubkey][]ledger.SignatureInfo
	txs      map[types.Signature]*types.Transaction
	trees    map[types.Pubkey]types.Tree
	pageErr  error
	requests []ledger.SignaturesOpts
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		history: make(map[types.Pubkey][]ledger.SignatureInfo),
		txs:     make(map[types.Signature]*types.Transaction),
		trees:   make(map[types.Pubkey]types.Tree),
	}
}

// push appends tx to the history of tree as its newest transaction.
func (l *fakeLedger) push(tree types.Pubkey, tx *types.Transaction, failed bool) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	info := ledger.SignatureInfo{Signature: tx.Signature, Slot: tx.Slot}
	if failed {
		info.Err = []byte(`{"InstructionError":[0,"Custom"]}`)
		tx.Failed = true
	}
	l.history[tree] = append([]ledger.SignatureInfo{info}, l.history[tree]...)
	l.txs[tx.Signature] = tx
}

// pushSigs adds bare signatures with no transaction behind them.
func (l *fakeLedger) pushSigs(tree types.Pubkey, sigs ...types.Signature) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	for _, sig := range sigs {
		l.history[tree] = append([]ledger.SignatureInfo{{Signature: sig}}, l.history[tree]...)
	}
}

func (l *fakeLedger) GetTransaction(_ context.Context, sig types.Signature) (*types.Transaction, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	tx, ok := l.txs[sig]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return tx, nil
}

func (l *fakeLedger) GetSignaturesForAddress(
	ctx context.Context,
	addr types.Pubkey,
	opts ledger.SignaturesOpts,
) ([]ledger.SignatureInfo, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.requests = append(l.requests, opts)
	if l.pageErr != nil {
		return nil, l.pageErr
	}

	hist := l.history[addr]
	start := 0
	if !opts.Before.IsZero() {
		start = len(hist)
		for i, info := range hist {
			if info.Signature == opts.Before {
				start = i + 1
				break
			}
		}
	}
	var page []ledger.SignatureInfo
	for _, info := range hist[start:] {
		if !opts.Until.IsZero() && info.Signature == opts.Until {
			break
		}
		if opts.Limit > 0 && len(page) == opts.Limit {
			break
		}
		page = append(page, info)
	}
	return page, nil
}

func (l *fakeLedger) GetAccount(_ context.Context, addr types.Pubkey) (*ledger.Account, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	t, ok := l.trees[addr]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	bz := make([]byte, 64)
	bz[0] = 1
	binary.LittleEndian.PutUint32(bz[2:], t.MaxBufferSize)
	binary.LittleEndian.PutUint32(bz[6:], t.MaxDepth)
	binary.LittleEndian.PutUint64(bz[56:], t.Seq)
	return &ledger.Account{Data: bz}, nil
}

func (l *fakeLedger) GetProgramAccounts(context.Context, types.Pubkey, ...ledger.MemcmpFilter) ([]ledger.KeyedAccount, error) {
	return nil, errors.New("not supported")
}

func (l *fakeLedger) GetMultipleAccounts(context.Context, []types.Pubkey) ([]*ledger.Account, error) {
	return nil, errors.New("not supported")
}

func (l *fakeLedger) signatureRequests() []ledger.SignaturesOpts {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return append([]ledger.SignaturesOpts(nil), l.requests...)
}

const chainDepth = 5

// chain writes n events to a fresh in-memory tree and publishes one
// transaction per event on the fake ledger. A failed transaction follows
// every third event. The transaction of seq s has signature TxSig(s).
func (l *fakeLedger) chain(tree types.Pubkey, n int) (*merkle.Tree, []types.ChangelogEvent) {
	mt := merkle.NewTree(chainDepth)
	events := make([]types.ChangelogEvent, 0, n)
	for i := 0; i < n; i++ {
		leaf := uint64(i) % (1 << chainDepth)
		ev := mt.SetLeaf(tree, leaf, merkle.HashLeaf([]byte{byte(i)}))
		events = append(events, ev)
		l.push(tree, parsertest.ReplaceLeafTx(storetest.TxSig(ev.Seq), 100+ev.Seq, ev), false)
		if i%3 == 2 {
			failed := parsertest.ReplaceLeafTx(types.Signature{0xFF, byte(i)}, 100+ev.Seq, ev)
			l.push(tree, failed, true)
		}
	}
	l.mtx.Lock()
	l.trees[tree] = types.Tree{Address: tree, MaxDepth: chainDepth, MaxBufferSize: 8, Seq: uint64(n)}
	l.mtx.Unlock()
	return mt, events
}

func newMemStore() store.ChangelogStore {
	return kv.NewStore(dbm.NewMemDB())
}

func applyEvents(t testing.TB, s store.ChangelogStore, events []types.ChangelogEvent, seqs ...uint64) {
	t.Helper()
	for _, seq := range seqs {
		ev := events[seq-1]
		_, err := s.Apply(context.Background(), ev, types.ApplyMeta{
			Tx:   storetest.TxSig(seq),
			Slot: 100 + seq,
			Kind: types.KindReplaceLeaf,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}
