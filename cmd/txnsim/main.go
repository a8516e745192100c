// Command txnsim runs a scripted sequence of transactional commands
// against the simulated distributed database and prints the resulting
// log of commits, aborts, and reads to stdout.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/txnlab/distxn/internal/command"
	"github.com/txnlab/distxn/internal/coordinator"
	"github.com/txnlab/distxn/internal/txnlog"
)

func main() {
	app := &cli.App{
		Name:      "txnsim",
		Usage:     "run a distributed database test script",
		ArgsUsage: "[IN_FILE]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "min-output",
				Usage: "produce only the minimum output described in the design doc",
			},
			&cli.BoolFlag{
				Name:  "no-write-log",
				Usage: "suppress write-related full-output lines (only applicable with full output)",
			},
			&cli.BoolFlag{
				Name:  "no-rec-site-opt",
				Usage: "turn off the recovered-site write optimization",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "logging level: debug, info, or none",
				Value: "none",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	level, ok := txnlog.ParseLevel(ctx.String("log-level"))
	if !ok {
		return fmt.Errorf("invalid --log-level %q: want debug, info, or none", ctx.String("log-level"))
	}
	logger := txnlog.New(os.Stderr, level)

	in, closeIn, err := openInput(ctx.Args().First())
	if err != nil {
		return err
	}
	defer closeIn()

	c := coordinator.New(os.Stdout, logger, coordinator.Options{
		FullOutput:       !ctx.Bool("min-output"),
		SuppressWriteLog: ctx.Bool("no-write-log"),
		RecoveredSiteOpt: !ctx.Bool("no-rec-site-opt"),
	})

	scanner := bufio.NewScanner(in)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		cmd, err := command.Parse(line, lineNo)
		if err != nil {
			return err
		}
		if cmd.Type == command.Blank {
			logger.Debug().Int("line", lineNo).Msg("blank or comment line")
			continue
		}
		if err := c.Dispatch(cmd); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	logger.Info().Msg("done with file")
	return nil
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return f, func() { f.Close() }, nil
}
