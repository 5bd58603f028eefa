// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/adiadia/agent-office/internal/replay"
	"github.com/spf13/pflag"
)

var errUsage = errors.New("usage")

func defaultReplayDir() string {
	if dir := strings.TrimSpace(os.Getenv("REPLAY_DIR")); dir != "" {
		return dir
	}
	return "./data/replay"
}

// runReplay inspects a replay directory offline. Results are written to out
// as indented JSON.
func runReplay(ctx context.Context, args []string, out io.Writer, logger *slog.Logger) error {
	if len(args) == 0 {
		return errUsage
	}

	sub := args[0]
	var (
		dir     string
		runID   string
		agentID string
		from    int64
		to      int64
		limit   int
	)

	flagSet := pflag.NewFlagSet("replay "+sub, pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&dir, "dir", defaultReplayDir(), "replay directory")
	if sub == "index" {
		flagSet.StringVar(&runID, "run", "", "only entries referencing this run id")
		flagSet.StringVar(&agentID, "agent", "", "only entries referencing this agent id")
		flagSet.Int64Var(&from, "from", 0, "earliest generated_at in unix ms")
		flagSet.Int64Var(&to, "to", 0, "latest generated_at in unix ms")
		flagSet.IntVar(&limit, "limit", replay.DefaultQueryLimit, "maximum entries to return")
	}

	if err := flagSet.Parse(args[1:]); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	store := replay.NewStore(replay.Options{Dir: dir, Logger: logger})
	positional := flagSet.Args()

	var result any
	switch sub {
	case "index":
		if len(positional) != 0 {
			return errUsage
		}
		q := replay.IndexQuery{RunID: runID, AgentID: agentID, Limit: limit}
		if flagSet.Changed("from") {
			q.From = &from
		}
		if flagSet.Changed("to") {
			q.To = &to
		}
		page, err := store.QueryIndex(ctx, q)
		if err != nil {
			return err
		}
		result = page

	case "show":
		if len(positional) != 1 {
			return errUsage
		}
		rec, err := store.ReadSnapshotByID(ctx, positional[0])
		if err != nil {
			return err
		}
		result = rec

	case "at":
		if len(positional) != 1 {
			return errUsage
		}
		ts, err := strconv.ParseInt(positional[0], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: invalid timestamp %q", errUsage, positional[0])
		}
		rec, err := store.ReadSnapshotAt(ctx, ts)
		if err != nil {
			return err
		}
		result = rec

	default:
		return errUsage
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
