// Command actionlog inspects and maintains document action logs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/actionlog"
	"github.com/wolfeidau/actionlog/history"
	"github.com/wolfeidau/actionlog/retention"
	"github.com/wolfeidau/actionlog/store/logdb"
)

type globals struct {
	DB    string `help:"Path to the action log database." default:"actionlog.db" env:"ACTIONLOG_DB"`
	Doc   string `help:"Document identifier." default:"default" env:"ACTIONLOG_DOC"`
	Debug bool   `help:"Enable debug logging."`

	logger *slog.Logger
}

var cli struct {
	globals

	Counters countersCmd `cmd:"" help:"Show the partition counters for a document."`
	Recent   recentCmd   `cmd:"" help:"List the most recent actions."`
	States   statesCmd   `cmd:"" help:"List cursors for the most recent document states."`
	Verify   verifyCmd   `cmd:"" help:"Verify the hash chain of the stored actions."`
	Prune    pruneCmd    `cmd:"" help:"Delete old shared actions."`
	Record   recordCmd   `cmd:"" help:"Record a new action for the document."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("actionlog"),
		kong.Description("Inspect and maintain document action logs."),
		kong.UsageOnError(),
	)

	level := slog.LevelInfo
	if cli.Debug {
		level = slog.LevelDebug
	}
	cli.logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(cli.logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.FatalIfErrorf(kctx.Run(&cli.globals))
}

// openHistory opens the database and initializes the document history.
// The caller closes the returned log.
func openHistory(ctx context.Context, g *globals, opts ...history.Option) (*logdb.BoltLog, *history.History, error) {
	log := logdb.NewBoltLog(logdb.WithLogger(g.logger))
	if err := log.Open(g.DB); err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", g.DB, err)
	}

	opts = append(opts, history.WithLogger(g.logger))
	hist := history.New(log, g.Doc, opts...)
	if err := hist.Initialize(ctx); err != nil {
		log.Close()
		return nil, nil, err
	}
	return log, hist, nil
}

type countersCmd struct{}

func (c *countersCmd) Run(ctx context.Context, g *globals) error {
	log, hist, err := openHistory(ctx, g)
	if err != nil {
		return err
	}
	defer log.Close()

	nextHub, err := hist.NextHubActionNum()
	if err != nil {
		return err
	}
	nextLocal, err := hist.NextLocalActionNum()
	if err != nil {
		return err
	}
	unsent, err := hist.HaveLocalUnsent()
	if err != nil {
		return err
	}
	sent, err := hist.HaveLocalSent()
	if err != nil {
		return err
	}

	fmt.Printf("doc:             %s\n", g.Doc)
	fmt.Printf("next hub num:    %d\n", nextHub)
	fmt.Printf("next local num:  %d\n", nextLocal)
	fmt.Printf("unsent pending:  %v\n", unsent)
	fmt.Printf("sent pending:    %v\n", sent)
	return nil
}

type recentCmd struct {
	Max int `help:"Maximum number of actions to list." default:"20"`
}

func (c *recentCmd) Run(ctx context.Context, g *globals) error {
	log, hist, err := openHistory(ctx, g)
	if err != nil {
		return err
	}
	defer log.Close()

	groups, err := hist.RecentActionGroups(ctx, c.Max)
	if err != nil {
		return err
	}

	for _, grp := range groups {
		line := fmt.Sprintf("#%-6d %s  parent %s  %d bytes",
			grp.Bundle.ActionNum,
			grp.Bundle.ActionHash.ShortString(),
			grp.Bundle.ParentHash.ShortString(),
			len(grp.Bundle.Payload))
		if grp.Undo != nil {
			line += fmt.Sprintf("  client %s", grp.Undo.ClientID)
			if grp.Undo.IsUndo {
				line += " undo"
			}
		}
		fmt.Println(line)
	}
	return nil
}

type statesCmd struct {
	Max int `help:"Maximum number of states to list." default:"20"`
}

func (c *statesCmd) Run(ctx context.Context, g *globals) error {
	log, hist, err := openHistory(ctx, g)
	if err != nil {
		return err
	}
	defer log.Close()

	states, err := hist.RecentStates(ctx, c.Max)
	if err != nil {
		return err
	}

	for _, s := range states {
		fmt.Printf("#%-6d %s\n", s.ActionNum, s.ActionHash)
	}
	return nil
}

type verifyCmd struct{}

func (c *verifyCmd) Run(ctx context.Context, g *globals) error {
	log, hist, err := openHistory(ctx, g)
	if err != nil {
		return err
	}
	defer log.Close()

	bundles, err := hist.RecentActions(ctx, 0)
	if err != nil {
		return err
	}
	if len(bundles) == 0 {
		fmt.Println("log empty, nothing to verify")
		return nil
	}

	if err := actionlog.VerifyChain(bundles, bundles[0].ParentHash); err != nil {
		return fmt.Errorf("chain broken: %w", err)
	}
	fmt.Printf("verified %d actions, chain intact\n", len(bundles))
	return nil
}

type pruneCmd struct {
	Keep     int   `help:"Shared actions to keep when --max-rows is unset." default:"100"`
	MaxRows  int   `help:"Prune by row budget instead of a fixed keep count."`
	MaxBytes int64 `help:"Byte budget used together with --max-rows."`
}

func (c *pruneCmd) Run(ctx context.Context, g *globals) error {
	var opts []history.Option
	if c.MaxRows > 0 || c.MaxBytes > 0 {
		opts = append(opts, history.WithRetention(retention.Policy{
			MaxRows:     c.MaxRows,
			MaxBytes:    c.MaxBytes,
			GraceFactor: 1,
		}))
	}

	log, hist, err := openHistory(ctx, g, opts...)
	if err != nil {
		return err
	}
	defer log.Close()

	if c.MaxRows > 0 || c.MaxBytes > 0 {
		result, err := hist.CompactNow(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("pruned %d actions, %d bytes, %d remaining\n",
			result.PrunedRows, result.PrunedBytes, result.RowsRemaining)
		return nil
	}

	if err := hist.DeleteActions(ctx, c.Keep); err != nil {
		return err
	}
	fmt.Printf("kept newest %d shared actions\n", c.Keep)
	return nil
}

type recordCmd struct {
	Payload  string `arg:"" help:"Action payload."`
	Shared   bool   `help:"Record as a hub-acknowledged shared action instead of local unsent."`
	ClientID string `help:"Client identifier for undo metadata (default: random)."`
	Undo     bool   `help:"Mark the action as an undo."`
}

func (c *recordCmd) Run(ctx context.Context, g *globals) error {
	log, hist, err := openHistory(ctx, g)
	if err != nil {
		return err
	}
	defer log.Close()

	var num uint64
	if c.Shared {
		num, err = hist.NextHubActionNum()
	} else {
		num, err = hist.NextLocalActionNum()
	}
	if err != nil {
		return err
	}

	b := &actionlog.ActionBundle{
		ActionNum: num,
		Payload:   []byte(c.Payload),
	}

	if c.Shared {
		err = hist.RecordNextShared(ctx, b)
	} else {
		err = hist.RecordNextLocalUnsent(ctx, b)
	}
	if err != nil {
		return err
	}

	clientID := c.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	err = hist.SetActionUndoInfo(ctx, b.ActionHash, &logdb.UndoInfo{
		ClientID: clientID,
		IsUndo:   c.Undo,
	})
	if err != nil {
		return err
	}

	fmt.Printf("recorded #%d %s\n", b.ActionNum, b.ActionHash.ShortString())
	return nil
}
