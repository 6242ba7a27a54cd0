package main

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/urfave/cli/v2"
)

func newCmd_Get() *cli.Command {
	var asJSON bool
	return &cli.Command{
		Name:        "get",
		Usage:       "Look up the points stored at a location.",
		ArgsUsage:   "<x> <y>",
		Description: "Print every point stored exactly at (x, y); ids sharing a location are all returned.",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print results as JSON",
				Destination: &asJSON,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("expected arguments: <x> <y>", 1)
			}
			x, err := parseCoord(c.Args().Get(0), "x")
			if err != nil {
				return cli.Exit(err, 1)
			}
			y, err := parseCoord(c.Args().Get(1), "y")
			if err != nil {
				return cli.Exit(err, 1)
			}

			_, engine, err := openEngine(c)
			if err != nil {
				return cli.Exit(err, 1)
			}
			points, err := engine.GetAt(c.Context, x, y)
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
				fmt.Println(p)
			}
			return nil
		},
	}
}
