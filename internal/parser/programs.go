package parser

import (
	"fmt"

	"github.com/treesync/treesync/config"
	"github.com/treesync/treesync/types"
)

// ProgramKind enumerates the programs whose instructions are parsed.
type ProgramKind int

const (
	ProgramUnknown ProgramKind = iota
	ProgramBubblegum
	ProgramAccountCompression
)

func (k ProgramKind) String() string {
	switch k {
	case ProgramBubblegum:
		return "bubblegum"
	case ProgramAccountCompression:
		return "account-compression"
	default:
		return "unknown"
	}
}

// Programs is the dispatch table from program id to kind, plus the set of
// log wrapper (noop) programs that carry events.
type Programs struct {
	kinds map[types.Pubkey]ProgramKind
	noop  map[types.Pubkey]struct{}
}

// NewPrograms builds the dispatch table.
func NewPrograms(bubblegum types.Pubkey, compression, noop []types.Pubkey) *Programs {
	p := &Programs{
		kinds: map[types.Pubkey]ProgramKind{bubblegum: ProgramBubblegum},
		noop:  make(map[types.Pubkey]struct{}, len(noop)),
	}
	for _, id := range compression {
		p.kinds[id] = ProgramAccountCompression
	}
	for _, id := range noop {
		p.noop[id] = struct{}{}
	}
	return p
}

// ProgramsFromConfig parses the configured program ids.
func ProgramsFromConfig(cfg *config.ProgramsConfig) (*Programs, error) {
	bubblegum, err := types.PubkeyFromBase58(cfg.Bubblegum)
	if err != nil {
		return nil, fmt.Errorf("bubblegum program: %w", err)
	}
	parse := func(ids []string) ([]types.Pubkey, error) {
		out := make([]types.Pubkey, 0, len(ids))
		for _, id := range ids {
			pk, err := types.PubkeyFromBase58(id)
			if err != nil {
				return nil, err
			}
			out = append(out, pk)
		}
		return out, nil
	}
	compression, err := parse(cfg.AccountCompression)
	if err != nil {
		return nil, fmt.Errorf("account-compression program: %w", err)
	}
	noop, err := parse(cfg.Noop)
	if err != nil {
		return nil, fmt.Errorf("noop program: %w", err)
	}
	return NewPrograms(bubblegum, compression, noop), nil
}

// DefaultPrograms returns the mainnet dispatch table.
func DefaultPrograms() *Programs {
	p, err := ProgramsFromConfig(config.DefaultProgramsConfig())
	if err != nil {
		panic(err)
	}
	return p
}

// Kind returns the kind of a program id.
func (p *Programs) Kind(id types.Pubkey) ProgramKind {
	return p.kinds[id]
}

// IsNoop reports whether id is a log wrapper program.
func (p *Programs) IsNoop(id types.Pubkey) bool {
	_, ok := p.noop[id]
	return ok
}
