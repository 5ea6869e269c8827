package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/sushant-115/bptdb/config"
	"github.com/sushant-115/bptdb/core/engine"
	"github.com/sushant-115/bptdb/core/query/join"
	"github.com/sushant-115/bptdb/pkg/logger"
	"github.com/sushant-115/bptdb/pkg/telemetry"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "Path to a YAML configuration file")
	dataDir    = flag.String("data_dir", "", "Data directory (overrides the configuration file)")
	bufferSize = flag.Int("buffer_pool_size", 0, "Buffer pool frames (overrides the configuration file)")
)

const usage = `Commands:
  o <name>                open a table, prints its id
  i <table> <key> <value> insert
  f <table> <key>         find
  d <table> <key>         delete
  u <table> <key> <value> update
  b                       begin transaction
  c                       commit transaction
  a                       abort transaction
  j <t1> <t2> <path>      join two tables into a file
  v <table>               verify tree structure
  l                       list open tables
  s                       buffer pool statistics
  n <frames>              restart the engine with a new buffer pool size
  q                       quit`

type shell struct {
	cfg    config.Config
	logger *zap.Logger
	tel    *telemetry.Telemetry
	eng    *engine.Engine
	out    io.Writer
}

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "bptdb: %v\n", err)
			os.Exit(1)
		}
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *bufferSize > 0 {
		cfg.BufferPoolSize = *bufferSize
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bptdb: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		log.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Error("Failed to shutdown telemetry", zap.Error(err))
		}
	}()

	eng, err := engine.Open(cfg, log, tel)
	if err != nil {
		log.Fatal("Failed to open engine", zap.Error(err))
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "bptdb> ",
		HistoryFile:     filepath.Join(cfg.DataDir, ".bptdb_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "q",
	})
	if err != nil {
		log.Fatal("Failed to initialize line editor", zap.Error(err))
	}
	defer rl.Close()

	sh := &shell{cfg: cfg, logger: log, tel: tel, eng: eng, out: rl.Stdout()}
	fmt.Fprintln(sh.out, "bptdb shell. Type 'h' for commands.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Error("Failed to read input", zap.Error(err))
			break
		}
		if quit := sh.run(strings.Fields(line)); quit {
			break
		}
	}
	if err := sh.eng.Shutdown(context.Background()); err != nil && !errors.Is(err, engine.ErrEngineClosed) {
		log.Error("Shutdown failed", zap.Error(err))
	}
}

// run executes one command line and reports whether the shell should exit.
func (sh *shell) run(args []string) bool {
	if len(args) == 0 {
		return false
	}
	ctx := context.Background()
	if err := sh.exec(ctx, args); err != nil {
		if errors.Is(err, errQuit) {
			return true
		}
		fmt.Fprintf(sh.out, "error: %v\n", err)
	}
	return false
}

var (
	errQuit  = errors.New("quit")
	errUsage = errors.New("wrong arguments, type 'h' for help")
)

func (sh *shell) exec(ctx context.Context, args []string) error {
	cmd, args := args[0], args[1:]
	switch cmd {
	case "o":
		if len(args) != 1 {
			return errUsage
		}
		id, err := sh.eng.OpenTable(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "table %s opened with id %d\n", args[0], id)
	case "i", "u":
		if len(args) < 3 {
			return errUsage
		}
		id, key, err := tableAndKey(args)
		if err != nil {
			return err
		}
		value := []byte(strings.Join(args[2:], " "))
		if cmd == "i" {
			return sh.eng.Insert(ctx, id, key, value)
		}
		return sh.eng.Update(ctx, id, key, value)
	case "f":
		if len(args) != 2 {
			return errUsage
		}
		id, key, err := tableAndKey(args)
		if err != nil {
			return err
		}
		value, err := sh.eng.Find(ctx, id, key)
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "key: %d, value: %s\n", key, printable(value))
	case "d":
		if len(args) != 2 {
			return errUsage
		}
		id, key, err := tableAndKey(args)
		if err != nil {
			return err
		}
		return sh.eng.Delete(ctx, id, key)
	case "b":
		trx, err := sh.eng.BeginTransaction(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "transaction %d started\n", trx)
	case "c":
		return sh.eng.CommitTransaction(ctx)
	case "a":
		return sh.eng.AbortTransaction(ctx)
	case "j":
		if len(args) != 3 {
			return errUsage
		}
		left, err := parseTable(args[0])
		if err != nil {
			return err
		}
		right, err := parseTable(args[1])
		if err != nil {
			return err
		}
		rows, err := join.JoinToFile(ctx, sh.eng, left, right, args[2])
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "%d rows written to %s\n", rows, args[2])
	case "v":
		if len(args) != 1 {
			return errUsage
		}
		id, err := parseTable(args[0])
		if err != nil {
			return err
		}
		report, err := sh.eng.Verify(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "ok: height %d, %d keys, %d leaf pages, %d internal pages\n",
			report.Height, report.Keys, report.LeafPages, report.InternalPages)
	case "l":
		for _, e := range sh.eng.Tables() {
			fmt.Fprintf(sh.out, "%d\t%s\n", e.ID, e.Name)
		}
	case "s":
		s := sh.eng.Stats()
		fmt.Fprintf(sh.out, "frames %d/%d bound, %d pinned, %d dirty; hits %d, misses %d, evictions %d, writes %d\n",
			s.Bound, s.Capacity, s.Pinned, s.Dirty, s.Hits, s.Misses, s.Evictions, s.Writes)
	case "n":
		if len(args) != 1 {
			return errUsage
		}
		size, err := strconv.Atoi(args[0])
		if err != nil {
			return errUsage
		}
		return sh.restart(ctx, size)
	case "h":
		fmt.Fprintln(sh.out, usage)
	case "q":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q, type 'h' for help", cmd)
	}
	return nil
}

// restart shuts the engine down and opens it again with a new buffer pool
// size. Tables have to be reopened afterwards.
func (sh *shell) restart(ctx context.Context, size int) error {
	cfg := sh.cfg
	cfg.BufferPoolSize = size
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := sh.eng.Shutdown(ctx); err != nil && !errors.Is(err, engine.ErrEngineClosed) {
		return err
	}
	eng, err := engine.Open(cfg, sh.logger, sh.tel)
	if err != nil {
		return err
	}
	sh.cfg, sh.eng = cfg, eng
	fmt.Fprintf(sh.out, "engine restarted with %d frames\n", size)
	return nil
}

func parseTable(s string) (engine.TableID, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad table id %q", s)
	}
	return engine.TableID(id), nil
}

func tableAndKey(args []string) (engine.TableID, int64, error) {
	id, err := parseTable(args[0])
	if err != nil {
		return 0, 0, err
	}
	key, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad key %q", args[1])
	}
	return id, key, nil
}

func printable(v []byte) string {
	if i := strings.IndexByte(string(v), 0); i >= 0 {
		return string(v[:i])
	}
	return string(v)
}
