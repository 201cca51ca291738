package types

// CompiledInstruction references its program and accounts by position in
// the transaction's account key list.
type CompiledInstruction struct {
	ProgramIDIndex int
	Accounts       []int
	Data           []byte
	// StackHeight is reported for inner instructions by newer ledgers. 0
	// means unknown.
	StackHeight int
}

// InnerInstructions are the cross-program invocations made while executing
// the outer instruction at Index.
type InnerInstructions struct {
	Index        int
	Instructions []CompiledInstruction
}

// Transaction is a fetched transaction with its account keys resolved:
// static keys first, then loaded writable and loaded read-only addresses.
type Transaction struct {
	Signature         Signature
	Slot              uint64
	BlockTime         int64
	Failed            bool
	AccountKeys       []Pubkey
	Instructions      []CompiledInstruction
	InnerInstructions []InnerInstructions
}

// Inner returns the inner instructions of the outer instruction at index.
func (tx *Transaction) Inner(index int) []CompiledInstruction {
	for _, in := range tx.InnerInstructions {
		if in.Index == index {
			return in.Instructions
		}
	}
	return nil
}
