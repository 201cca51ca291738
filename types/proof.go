package types

// AssetProof is the authentication path of a leaf, bottom to top.
type AssetProof struct {
	Root      Hash
	Leaf      Hash
	Proof     []Hash
	NodeIndex uint64
	TreeID    Pubkey
}

// ProofStatus is the outcome of checking a proof against a root.
type ProofStatus int

const (
	ProofCorrect ProofStatus = iota
	ProofIncorrect
	ProofCorrupt
	ProofNotFound
)

func (s ProofStatus) String() string {
	switch s {
	case ProofCorrect:
		return "correct"
	case ProofIncorrect:
		return "incorrect"
	case ProofCorrupt:
		return "corrupt"
	case ProofNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}
