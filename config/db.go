package config

import (
	"fmt"

	dbm "github.com/tendermint/tm-db"

	tsos "github.com/treesync/treesync/libs/os"
)

// DBContext names one embedded database of the kv store.
type DBContext struct {
	ID     string
	Config *Config
}

// DBProvider opens the embedded database described by a DBContext.
type DBProvider func(*DBContext) (dbm.DB, error)

// DefaultDBProvider opens ctx.ID under DBDir with the configured tm-db
// backend, creating the directory first.
func DefaultDBProvider(ctx *DBContext) (dbm.DB, error) {
	dir := ctx.Config.DBDir()
	if err := tsos.EnsureDir(dir, defaultDirPerm); err != nil {
		return nil, err
	}
	db, err := dbm.NewDB(ctx.ID, dbm.BackendType(ctx.Config.DBBackend), dir)
	if err != nil {
		return nil, fmt.Errorf("opening %s database in %s: %w", ctx.ID, dir, err)
	}
	return db, nil
}
