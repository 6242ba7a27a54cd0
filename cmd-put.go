package main

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/quadkv/quadkv/geom"
)

func newCmd_Put() *cli.Command {
	return &cli.Command{
		Name:        "put",
		Usage:       "Insert a point.",
		Description: "Insert the point (x, y) with the given id; a random id is generated when omitted.",
		ArgsUsage:   "<x> <y> [id]",
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 || c.NArg() > 3 {
				return cli.Exit("expected arguments: <x> <y> [id]", 1)
			}
			x, err := parseCoord(c.Args().Get(0), "x")
			if err != nil {
				return cli.Exit(err, 1)
			}
			y, err := parseCoord(c.Args().Get(1), "y")
			if err != nil {
				return cli.Exit(err, 1)
			}
			var id int64
			if c.NArg() == 3 {
				id, err = parseID(c.Args().Get(2))
				if err != nil {
					return cli.Exit(err, 1)
				}
			} else {
				u := uuid.New()
				id = int64(binary.BigEndian.Uint64(u[:8]))
			}

			db, engine, err := openEngine(c)
			if err != nil {
				return cli.Exit(err, 1)
			}
			point := geom.Point{ID: id, X: x, Y: y}
			if err := engine.Insert(c.Context, point); err != nil {
				return cli.Exit(err, 1)
			}
			if err := sealAndClose(c.Context, db); err != nil {
				return cli.Exit(err, 1)
			}
			klog.V(2).Infof("inserted %s", point)
			fmt.Println(point)
			return nil
		},
	}
}
