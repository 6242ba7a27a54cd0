package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"k8s.io/klog/v2"

	"github.com/quadkv/quadkv/geom"
)

func newCmd_Load() *cli.Command {
	return &cli.Command{
		Name:        "load",
		Usage:       "Bulk-load points from a CSV file.",
		ArgsUsage:   "<csv-path>",
		Description: "Load points from a CSV file with lines of the form x,y or x,y,id. Ids default to the line number.",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("expected argument: <csv-path>", 1)
			}
			path := c.Args().Get(0)
			if ok, err := isFile(path); err != nil {
				return cli.Exit(err, 1)
			} else if !ok {
				return cli.Exit(fmt.Sprintf("%s is not a file", path), 1)
			}

			file, err := os.Open(path)
			if err != nil {
				return cli.Exit(err, 1)
			}
			defer file.Close()

			reader := csv.NewReader(file)
			reader.FieldsPerRecord = -1
			records, err := reader.ReadAll()
			if err != nil {
				return cli.Exit(fmt.Errorf("failed to parse %s: %w", path, err), 1)
			}

			db, engine, err := openEngine(c)
			if err != nil {
				return cli.Exit(err, 1)
			}

			startedAt := time.Now()
			progress := mpb.New(mpb.WithWidth(64))
			bar := progress.AddBar(int64(len(records)),
				mpb.PrependDecorators(
					decor.Name("loading "),
					decor.CountersNoUnit("%d / %d"),
				),
				mpb.AppendDecorators(decor.Percentage()),
			)
			for line, record := range records {
				point, err := parseRecord(record, int64(line)+1)
				if err != nil {
					return cli.Exit(fmt.Errorf("%s line %d: %w", path, line+1, err), 1)
				}
				if err := engine.Insert(c.Context, point); err != nil {
					return cli.Exit(err, 1)
				}
				bar.Increment()
			}
			progress.Wait()

			if err := sealAndClose(c.Context, db); err != nil {
				return cli.Exit(err, 1)
			}
			klog.Infof("loaded %s points in %s",
				humanize.Comma(int64(len(records))), time.Since(startedAt))
			return nil
		},
	}
}

func parseRecord(record []string, defaultID int64) (geom.Point, error) {
	if len(record) < 2 || len(record) > 3 {
		return geom.Point{}, fmt.Errorf("expected 2 or 3 fields, got %d", len(record))
	}
	x, err := parseCoord(record[0], "x")
	if err != nil {
		return geom.Point{}, err
	}
	y, err := parseCoord(record[1], "y")
	if err != nil {
		return geom.Point{}, err
	}
	id := defaultID
	if len(record) == 3 {
		if id, err = parseID(record[2]); err != nil {
			return geom.Point{}, err
		}
	}
	return geom.Point{ID: id, X: x, Y: y}, nil
}
