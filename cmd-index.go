package main

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/quadkv/quadkv/zcode"
)

func newCmd_Index() *cli.Command {
	var veryVerbose bool
	return &cli.Command{
		Name:        "index",
		Usage:       "Dump the bucket partition.",
		Description: "Print one line per bucket: its prefix pattern, prefix length and size counter.",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "very-verbose",
				Aliases:     []string{"vv"},
				Usage:       "also dump the raw decoded bucket keys",
				Destination: &veryVerbose,
			},
		},
		Action: func(c *cli.Context) error {
			_, engine, err := openEngine(c)
			if err != nil {
				return cli.Exit(err, 1)
			}
			keys, sizes, err := engine.Index().Entries(c.Context)
			if err != nil {
				return cli.Exit(err, 1)
			}
			for i, key := range keys {
				xmin, ymin := zcode.Deinterleave(key.Min)
				fmt.Printf("%s pl=%-2d bs=%-10s min=(%d, %d)\n",
					key, key.PrefixLen, humanize.Comma(int64(sizes[i])), xmin, ymin)
			}
			fmt.Printf("%d buckets\n", len(keys))
			if veryVerbose {
				spew.Dump(keys)
			}
			return nil
		},
	}
}
