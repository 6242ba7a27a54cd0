package main

import (
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/quadkv/quadkv/store/memstore"
	"github.com/quadkv/quadkv/zindex"
)

func newCmd_Drop() *cli.Command {
	return &cli.Command{
		Name:        "drop",
		Usage:       "Drop the data table and its index.",
		Description: "Drop the data table and its index table from the snapshot. Irreversible.",
		Action: func(c *cli.Context) error {
			db, err := memstore.Open(c.String("db"))
			if err != nil {
				return cli.Exit(err, 1)
			}
			table := c.String("table")
			for _, name := range []string{table, table + zindex.IndexTableSuffix} {
				if ok, err := db.TableExists(c.Context, name); err != nil {
					return cli.Exit(err, 1)
				} else if !ok {
					continue
				}
				if err := db.DropTable(c.Context, name); err != nil {
					return cli.Exit(err, 1)
				}
				klog.Infof("dropped table %q", name)
			}
			if err := db.Seal(); err != nil {
				return cli.Exit(err, 1)
			}
			return nil
		},
	}
}
