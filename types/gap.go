package types

import (
	"fmt"
	"math"
)

// UnboundedSeq marks the open upper end of a boundary gap.
const UnboundedSeq = math.MaxUint64

// GapRecord is a range of sequence numbers missing from the local store,
// bracketed by the transactions that bound it. A zero signature means the
// bound is open.
type GapRecord struct {
	Tree     Pubkey
	StartSeq uint64
	EndSeq   uint64
	// LowerBoundTx is the older bracketing transaction (crawl "until").
	LowerBoundTx Signature
	// UpperBoundTx is the newer bracketing transaction (crawl "before").
	UpperBoundTx Signature
	// OverfetchTx, when set, is a cheap starting point for small gaps.
	OverfetchTx Signature
}

// IsUpperBoundary reports whether the gap extends to the newest transaction.
func (g GapRecord) IsUpperBoundary() bool { return g.EndSeq == UnboundedSeq }

// IsLowerBoundary reports whether the gap extends back to genesis.
func (g GapRecord) IsLowerBoundary() bool { return g.StartSeq == 0 && !g.IsUpperBoundary() }

// HasOverfetch reports whether an overfetch hint is attached.
func (g GapRecord) HasOverfetch() bool { return !g.OverfetchTx.IsZero() }

func (g GapRecord) String() string {
	end := "∞"
	if !g.IsUpperBoundary() {
		end = fmt.Sprint(g.EndSeq)
	}
	return fmt.Sprintf("Gap{%v (%d, %s)}", g.Tree, g.StartSeq, end)
}
