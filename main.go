package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

func main() {
	// set up a context that is canceled when a command is interrupted
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// set up a signal handler to cancel the context
	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, syscall.SIGTERM, syscall.SIGINT)

		select {
		case <-interrupt:
			fmt.Println()
			klog.Info("received interrupt signal")
			cancel()
		case <-ctx.Done():
		}

		// Allow any further SIGTERM or SIGINT to kill process
		signal.Stop(interrupt)
	}()

	app := &cli.App{
		Name:        "quadkv CLI",
		Version:     GitCommit,
		Description: "CLI to store and query 2D points in a Z-order bucketed index over an embedded ordered key-value store.",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Path to the database snapshot file",
				EnvVars: []string{"QUADKV_DB"},
				Value:   "quadkv.db",
			},
			&cli.StringFlag{
				Name:    "table",
				Usage:   "Name of the data table",
				EnvVars: []string{"QUADKV_TABLE"},
				Value:   "points",
			},
			&cli.Uint64Flag{
				Name:    "split-threshold",
				Usage:   "Bucket size beyond which buckets are split in half",
				EnvVars: []string{"QUADKV_SPLIT_THRESHOLD"},
				Value:   1000,
			},
		}, NewKlogFlagSet()...),
		Commands: []*cli.Command{
			newCmd_Put(),
			newCmd_Get(),
			newCmd_Count(),
			newCmd_Nearest(),
			newCmd_Load(),
			newCmd_Index(),
			newCmd_Drop(),
			newCmd_Version(),
		},
	}

	sort.Sort(cli.FlagsByName(app.Flags))
	sort.Sort(cli.CommandsByName(app.Commands))

	if err := app.RunContext(ctx, os.Args); err != nil {
		klog.Fatal(err)
	}
}
