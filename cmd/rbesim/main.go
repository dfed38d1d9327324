// Command rbesim runs the remote bitrate estimator against simulated links.
//
// Usage:
//
//	rbesim run scenarios/capacity_drop.yaml
//	rbesim run --record traces/ scenarios/*.yaml
//	rbesim replay traces/capacity_drop.json
//	rbesim soak --duration 24h --http :6060
//
// soak serves /metrics and /debug/pprof while it runs:
//
//	curl http://localhost:6060/debug/pprof/heap > heap.pprof
//	go tool pprof heap.pprof
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "log-level",
		Usage:   "debug, info, warn or error",
		Value:   "info",
		EnvVars: []string{"RBE_LOG_LEVEL"},
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "console log format",
	},
}

func main() {
	app := &cli.App{
		Name:  "rbesim",
		Usage: "simulate the receive-side remote bitrate estimator",
		Flags: baseFlags,
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "run scenario files and check their expectations",
				ArgsUsage: "<scenario.yaml>...",
				Action:    runScenarios,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "record",
						Usage: "write a replayable trace per scenario into `DIR`",
					},
				},
			},
			{
				Name:      "replay",
				Usage:     "replay a recorded trace and compare the estimates",
				ArgsUsage: "<trace.json>",
				Action:    replayTrace,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "config",
						Usage: "estimator config `FILE` in YAML",
					},
					&cli.Float64Flag{
						Name:  "tolerance",
						Usage: "largest accepted difference per estimate, in percent",
					},
				},
			},
			{
				Name:   "soak",
				Usage:  "run one scenario for a long time and watch memory",
				Action: soak,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "scenario",
						Usage: "scenario `FILE`; a two-stream default is used when empty",
					},
					&cli.DurationFlag{
						Name:  "duration",
						Usage: "wall clock run time",
						Value: time.Hour,
					},
					&cli.StringFlag{
						Name:    "http",
						Usage:   "listen address for /metrics and /debug/pprof",
						Value:   ":6060",
						EnvVars: []string{"RBE_SOAK_HTTP"},
					},
					&cli.IntFlag{
						Name:  "heap-limit-mb",
						Usage: "fail when the heap grows beyond this",
						Value: 100,
					},
					&cli.DurationFlag{
						Name:  "status-interval",
						Usage: "wall clock time between status lines",
						Value: time.Minute,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
