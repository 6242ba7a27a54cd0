package main

import (
	"fmt"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/urfave/cli/v2"

	"github.com/quadkv/quadkv/geom"
)

func newCmd_Nearest() *cli.Command {
	var asJSON bool
	return &cli.Command{
		Name:        "nearest",
		Usage:       "Find the k nearest neighbors of a location.",
		ArgsUsage:   "<x> <y> <k>",
		Description: "Print the k points closest to (x, y) in ascending distance order.",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print results as JSON",
				Destination: &asJSON,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 3 {
				return cli.Exit("expected arguments: <x> <y> <k>", 1)
			}
			x, err := parseCoord(c.Args().Get(0), "x")
			if err != nil {
				return cli.Exit(err, 1)
			}
			y, err := parseCoord(c.Args().Get(1), "y")
			if err != nil {
				return cli.Exit(err, 1)
			}
			k, err := strconv.Atoi(c.Args().Get(2))
			if err != nil || k <= 0 {
				return cli.Exit(fmt.Sprintf("invalid k %q: must be a positive integer", c.Args().Get(2)), 1)
			}

			_, engine, err := openEngine(c)
			if err != nil {
				return cli.Exit(err, 1)
			}
			query := geom.Point{X: x, Y: y}
			points, err := engine.KNearest(c.Context, query, k)
			if err != nil {
				return cli.Exit(err, 1)
			}
			if asJSON {
				out, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(points)
				if err != nil {
					return cli.Exit(err, 1)
				}
				fmt.Println(string(out))
				return nil
			}
			for _, p := range points {
				fmt.Printf("%s distance=%.3f\n", p, query.DistanceTo(p))
			}
			return nil
		},
	}
}
