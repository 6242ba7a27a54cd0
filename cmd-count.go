package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/quadkv/quadkv/geom"
)

func newCmd_Count() *cli.Command {
	var list bool
	return &cli.Command{
		Name:        "count",
		Usage:       "Count the points inside a rectangle.",
		ArgsUsage:   "<xmin> <ymin> <xmax> <ymax>",
		Description: "Count (or list, with --list) the points whose coordinates lie in the closed rectangle [xmin, xmax] x [ymin, ymax].",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "list",
				Usage:       "print the matching points instead of just counting them",
				Destination: &list,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 4 {
				return cli.Exit("expected arguments: <xmin> <ymin> <xmax> <ymax>", 1)
			}
			coords := make([]uint32, 4)
			for i, name := range []string{"xmin", "ymin", "xmax", "ymax"} {
				v, err := parseCoord(c.Args().Get(i), name)
				if err != nil {
					return cli.Exit(err, 1)
				}
				coords[i] = v
			}
			rx, err := geom.NewRange(coords[0], coords[2])
			if err != nil {
				return cli.Exit(err, 1)
			}
			ry, err := geom.NewRange(coords[1], coords[3])
			if err != nil {
				return cli.Exit(err, 1)
			}

			_, engine, err := openEngine(c)
			if err != nil {
				return cli.Exit(err, 1)
			}

			startedAt := time.Now()
			if list {
				points, err := engine.RangeQuery(c.Context, rx, ry)
				if err != nil {
					return cli.Exit(err, 1)
				}
				for _, p := range points {
					fmt.Println(p)
				}
				klog.V(2).Infof("listed %s points in %s", humanize.Comma(int64(len(points))), time.Since(startedAt))
				return nil
			}
			count, err := engine.RangeCount(c.Context, rx, ry)
			if err != nil {
				return cli.Exit(err, 1)
			}
			klog.V(2).Infof("counted in %s", time.Since(startedAt))
			fmt.Println(humanize.Comma(int64(count)))
			return nil
		},
	}
}
