package parser

import (
	"fmt"

	"github.com/treesync/treesync/types"
)

// Instruction is an instruction with its accounts resolved.
type Instruction struct {
	ProgramID types.Pubkey
	Accounts  []types.Pubkey
	Data      []byte
	// Noop is set for log wrapper programs, whose data carries events.
	Noop bool
}

// Account returns the account at position i, or the zero key when the
// position was dropped or is out of range.
func (ix Instruction) Account(i int) types.Pubkey {
	if i < 0 || i >= len(ix.Accounts) {
		return types.Pubkey{}
	}
	return ix.Accounts[i]
}

// InstructionBundle is one instruction of a program of interest together
// with the inner instructions it invoked.
type InstructionBundle struct {
	Program     ProgramKind
	Instruction Instruction
	Inner       []Instruction
	// Outer is the position of the top level instruction the bundle was
	// found under; Level is 0 for top level and 1 for invoked instructions.
	Outer int
	Level int
	// DroppedAccounts counts account indices past the key list.
	DroppedAccounts int
}

// Extract walks the transaction in program order and returns a bundle for
// every instruction of a program in programs. A top level instruction of
// interest takes all of its inner instructions, preceded by a copy of
// itself. Otherwise each invoked instruction of interest takes the inner
// instructions it invoked in turn.
func Extract(tx *types.Transaction, programs *Programs) ([]InstructionBundle, error) {
	var bundles []InstructionBundle
	for i, outer := range tx.Instructions {
		ix, dropped, err := resolve(tx, outer, programs)
		if err != nil {
			return nil, fmt.Errorf("outer instruction %d: %w", i, err)
		}
		inner := tx.Inner(i)

		if kind := programs.Kind(ix.ProgramID); kind != ProgramUnknown {
			b := InstructionBundle{
				Program:         kind,
				Instruction:     ix,
				Inner:           make([]Instruction, 0, len(inner)+1),
				Outer:           i,
				DroppedAccounts: dropped,
			}
			b.Inner = append(b.Inner, ix)
			for j, ci := range inner {
				in, d, err := resolve(tx, ci, programs)
				if err != nil {
					return nil, fmt.Errorf("inner instruction %d.%d: %w", i, j, err)
				}
				b.DroppedAccounts += d
				b.Inner = append(b.Inner, in)
			}
			bundles = append(bundles, b)
			continue
		}

		var cur *invocation
		flush := func() {
			if cur != nil {
				bundles = append(bundles, *cur.bundle)
				cur = nil
			}
		}
		for j, ci := range inner {
			in, d, err := resolve(tx, ci, programs)
			if err != nil {
				return nil, fmt.Errorf("inner instruction %d.%d: %w", i, j, err)
			}
			kind := programs.Kind(in.ProgramID)
			if cur != nil && cur.invoked(kind, ci.StackHeight) {
				cur.bundle.Inner = append(cur.bundle.Inner, in)
				cur.bundle.DroppedAccounts += d
				continue
			}
			flush()
			if kind == ProgramUnknown {
				continue
			}
			cur = &invocation{
				bundle: &InstructionBundle{
					Program:         kind,
					Instruction:     in,
					Outer:           i,
					Level:           1,
					DroppedAccounts: d,
				},
				height: ci.StackHeight,
			}
		}
		flush()
	}
	return bundles, nil
}

// resolve maps account indices to keys. Indices past the key list leave a
// zero key in place so fixed positions stay aligned.
func resolve(tx *types.Transaction, ci types.CompiledInstruction, programs *Programs) (Instruction, int, error) {
	if ci.ProgramIDIndex < 0 || ci.ProgramIDIndex >= len(tx.AccountKeys) {
		return Instruction{}, 0, fmt.Errorf("%w: program index %d out of %d keys",
			ErrMalformed, ci.ProgramIDIndex, len(tx.AccountKeys))
	}
	ix := Instruction{
		ProgramID: tx.AccountKeys[ci.ProgramIDIndex],
		Accounts:  make([]types.Pubkey, len(ci.Accounts)),
		Data:      ci.Data,
	}
	ix.Noop = programs.IsNoop(ix.ProgramID)
	dropped := 0
	for k, idx := range ci.Accounts {
		if idx < 0 || idx >= len(tx.AccountKeys) {
			dropped++
			continue
		}
		ix.Accounts[k] = tx.AccountKeys[idx]
	}
	return ix, dropped, nil
}

// invocation is an open bundle for an invoked instruction.
type invocation struct {
	bundle *InstructionBundle
	height int
	folded bool
}

// invoked reports whether the inner instruction of kind at stack height
// height was invoked by the open bundle. Ledgers that do not report
// heights leave them 0; then every uninteresting instruction is taken,
// and a bubblegum bundle takes the one account-compression call it makes.
func (v *invocation) invoked(kind ProgramKind, height int) bool {
	if v.height > 0 && height > 0 {
		return height > v.height
	}
	switch {
	case kind == ProgramUnknown:
		return true
	case kind == ProgramAccountCompression && v.bundle.Program == ProgramBubblegum && !v.folded:
		v.folded = true
		return true
	}
	return false
}
