package commands

import (
	"fmt"

	// postgres driver for the psql backend
	_ "github.com/lib/pq"

	"github.com/treesync/treesync/config"
	"github.com/treesync/treesync/internal/ledger"
	"github.com/treesync/treesync/internal/store"
	"github.com/treesync/treesync/internal/store/kv"
	"github.com/treesync/treesync/internal/store/psql"
	"github.com/treesync/treesync/libs/log"
	"github.com/treesync/treesync/types"
)

// openStore opens the changelog store selected by the configuration.
func openStore(conf *config.Config) (store.ChangelogStore, error) {
	switch conf.Storage.Backend {
	case config.StorageBackendPSQL:
		s, err := psql.NewStore(conf.Storage.PsqlConn)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		if err := psql.Migrate(s.DB()); err != nil {
			s.Close()
			return nil, fmt.Errorf("applying schema: %w", err)
		}
		return s, nil
	default:
		db, err := config.DefaultDBProvider(&config.DBContext{ID: "changelog", Config: conf})
		if err != nil {
			return nil, fmt.Errorf("opening changelog db: %w", err)
		}
		return kv.NewStore(db), nil
	}
}

func newLedgerClient(conf *config.Config, logger log.Logger) *ledger.Client {
	return ledger.NewClient(conf.RPC, logger.With("module", "ledger"))
}

// parseTrees decodes base58 tree addresses.
func parseTrees(args []string) ([]types.Pubkey, error) {
	trees := make([]types.Pubkey, 0, len(args))
	for _, arg := range args {
		pk, err := types.PubkeyFromBase58(arg)
		if err != nil {
			return nil, fmt.Errorf("tree %q: %w", arg, err)
		}
		trees = append(trees, pk)
	}
	return trees, nil
}

func compressionPrograms(conf *config.Config) ([]types.Pubkey, error) {
	return parseTrees(conf.Programs.AccountCompression)
}
