package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/quadkv/quadkv/store/memstore"
	"github.com/quadkv/quadkv/zindex"
	"github.com/urfave/cli/v2"
)

// isFile checks whether a path is a file.
func isFile(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

// openEngine loads the snapshot named by --db and binds an engine to
// the --table data table.
func openEngine(c *cli.Context) (*memstore.Store, *zindex.Engine, error) {
	db, err := memstore.Open(c.String("db"))
	if err != nil {
		return nil, nil, err
	}
	engine, err := zindex.Open(
		c.Context,
		db,
		c.String("table"),
		zindex.WithSplitThreshold(c.Uint64("split-threshold")),
	)
	if err != nil {
		return nil, nil, err
	}
	return db, engine, nil
}

func parseCoord(arg, name string) (uint32, error) {
	v, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: must be a non-negative 32-bit integer", name, arg)
	}
	return uint32(v), nil
}

func parseID(arg string) (int64, error) {
	v, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: must be a 64-bit integer", arg)
	}
	return v, nil
}

// sealAndClose writes the snapshot back after a mutating command.
func sealAndClose(ctx context.Context, db *memstore.Store) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return db.Seal()
}
