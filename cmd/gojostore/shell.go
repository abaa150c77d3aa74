package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/dustin/go-humanize"
	storageengine "github.com/sushant-115/gojostore/core/storage_engine"
	"github.com/sushant-115/gojostore/core/transaction/atomicops"
	"go.uber.org/zap"
)

var errQuit = errors.New("quit")

// ShellCmd opens the storage and reads commands until EOF or "exit".
type ShellCmd struct {
	History string `help:"History file" default:"~/.gojostore_history" type:"path"`
}

func (c *ShellCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.load()
	if err != nil {
		return err
	}
	defer e.close()

	s, closeStorage, err := e.open(ctx, e.cfg.StorageEngine())
	if err != nil {
		return err
	}
	defer closeStorage()

	sh := &shell{storage: s, level: e.level, out: os.Stdout}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("gojostore:%s> ", s.Name()),
		HistoryFile:     c.History,
		AutoComplete:    sh.completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()
	sh.out = rl.Stdout()

	fmt.Fprintf(sh.out, "storage %s at %s, page size %s. Type 'help' for commands.\n",
		s.Name(), s.Path(), humanize.IBytes(uint64(s.PageSize())))
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := sh.exec(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintf(sh.out, "error: %v\n", err)
		}
	}
}

type shellCommand struct {
	usage string
	help  string
	run   func(sh *shell, ctx context.Context, args []string) error
}

var shellCommands map[string]shellCommand

// The table is filled in init because help refers back to it.
func init() {
	shellCommands = map[string]shellCommand{
		"help":       {"help", "List commands", (*shell).help},
		"files":      {"files", "List files with their page counts", (*shell).files},
		"create":     {"create <file>", "Create an empty file", (*shell).create},
		"append":     {"append <file> <text>", "Add a page holding text", (*shell).appendPage},
		"put":        {"put <file> <page> <text>", "Overwrite a page with text", (*shell).put},
		"get":        {"get <file> <page>", "Print the text of a page", (*shell).get},
		"truncate":   {"truncate <file>", "Drop every page of a file", (*shell).truncate},
		"delete":     {"delete <file>", "Delete a file", (*shell).delete},
		"checkpoint": {"checkpoint", "Flush dirty pages and cut the log", (*shell).checkpoint},
		"check":      {"check", "Verify page checksums", (*shell).check},
		"stats":      {"stats", "Show cache and log statistics", (*shell).stats},
		"level":      {"level <debug|info|warn|error>", "Change the log level", (*shell).setLevel},
		"exit":       {"exit", "Leave the shell", func(*shell, context.Context, []string) error { return errQuit }},
	}
}

// shell runs one command per line; every change is its own atomic operation.
type shell struct {
	storage *storageengine.Storage
	level   zap.AtomicLevel
	out     io.Writer
}

func (sh *shell) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, ok := shellCommands[strings.ToLower(fields[0])]
	if !ok {
		return fmt.Errorf("unknown command %q", fields[0])
	}
	return cmd.run(sh, ctx, fields[1:])
}

func (sh *shell) completer() *readline.PrefixCompleter {
	items := make([]readline.PrefixCompleterInterface, 0, len(shellCommands))
	for _, name := range slices.Sorted(maps.Keys(shellCommands)) {
		items = append(items, readline.PcItem(name))
	}
	return readline.NewPrefixCompleter(items...)
}

func (sh *shell) help(_ context.Context, _ []string) error {
	for _, name := range slices.Sorted(maps.Keys(shellCommands)) {
		cmd := shellCommands[name]
		fmt.Fprintf(sh.out, "  %-32s %s\n", cmd.usage, cmd.help)
	}
	return nil
}

func (sh *shell) files(_ context.Context, _ []string) error {
	files := sh.storage.WriteCache().Files()
	names := slices.Sorted(maps.Keys(files))
	for _, name := range names {
		pages, err := sh.storage.WriteCache().FilledUpTo(files[name])
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "  %-24s id %-14d %d pages\n", name, files[name], pages)
	}
	if len(names) == 0 {
		fmt.Fprintln(sh.out, "  no files")
	}
	return nil
}

func (sh *shell) create(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: create <file>")
	}
	fileID, err := atomicops.CalculateInsideAtomicOperation(ctx, sh.storage.AtomicOperations(), nil,
		func(_ context.Context, op *atomicops.AtomicOperation) (uint64, error) {
			return op.AddFile(args[0])
		})
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "created %s with id %d\n", args[0], fileID)
	return nil
}

func (sh *shell) appendPage(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: append <file> <text>")
	}
	text := strings.Join(args[1:], " ")
	pageIndex, err := atomicops.CalculateInsideAtomicOperation(ctx, sh.storage.AtomicOperations(), nil,
		func(_ context.Context, op *atomicops.AtomicOperation) (uint32, error) {
			fileID, err := op.LoadFile(args[0])
			if err != nil {
				return 0, err
			}
			page, err := op.AddPage(fileID)
			if err != nil {
				return 0, err
			}
			if err := writeText(page, text); err != nil {
				return 0, err
			}
			return page.PageIndex(), op.ReleasePageFromWrite(page)
		})
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "appended page %d\n", pageIndex)
	return nil
}

func (sh *shell) put(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return errors.New("usage: put <file> <page> <text>")
	}
	pageIndex, err := parsePageIndex(args[1])
	if err != nil {
		return err
	}
	text := strings.Join(args[2:], " ")
	return sh.storage.AtomicOperations().ExecuteInsideAtomicOperation(ctx, nil,
		func(_ context.Context, op *atomicops.AtomicOperation) error {
			fileID, err := op.LoadFile(args[0])
			if err != nil {
				return err
			}
			page, err := op.LoadPageForWrite(fileID, pageIndex, true)
			if err != nil {
				return err
			}
			if page == nil {
				return fmt.Errorf("%w: page %d of %s", atomicops.ErrPageNotFound, pageIndex, args[0])
			}
			if err := writeText(page, text); err != nil {
				return err
			}
			return op.ReleasePageFromWrite(page)
		})
}

func (sh *shell) get(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: get <file> <page>")
	}
	pageIndex, err := parsePageIndex(args[1])
	if err != nil {
		return err
	}
	text, err := atomicops.CalculateInsideAtomicOperation(ctx, sh.storage.AtomicOperations(), nil,
		func(_ context.Context, op *atomicops.AtomicOperation) (string, error) {
			fileID, err := op.LoadFile(args[0])
			if err != nil {
				return "", err
			}
			page, err := op.LoadPageForRead(fileID, pageIndex)
			if err != nil {
				return "", err
			}
			if page == nil {
				return "", fmt.Errorf("%w: page %d of %s", atomicops.ErrPageNotFound, pageIndex, args[0])
			}
			defer op.ReleasePageFromRead(page)
			data := page.Bytes()
			if n := bytes.IndexByte(data, 0); n >= 0 {
				data = data[:n]
			}
			return string(data), nil
		})
	if err != nil {
		return err
	}
	fmt.Fprintln(sh.out, text)
	return nil
}

func (sh *shell) truncate(ctx context.Context, args []string) error {
	return sh.fileChange(ctx, args, "truncate", (*atomicops.AtomicOperation).TruncateFile)
}

func (sh *shell) delete(ctx context.Context, args []string) error {
	return sh.fileChange(ctx, args, "delete", (*atomicops.AtomicOperation).DeleteFile)
}

func (sh *shell) fileChange(ctx context.Context, args []string, verb string, change func(*atomicops.AtomicOperation, uint64) error) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s <file>", verb)
	}
	return sh.storage.AtomicOperations().ExecuteInsideAtomicOperation(ctx, nil,
		func(_ context.Context, op *atomicops.AtomicOperation) error {
			fileID, err := op.LoadFile(args[0])
			if err != nil {
				return err
			}
			return change(op, fileID)
		})
}

func (sh *shell) checkpoint(ctx context.Context, _ []string) error {
	if err := sh.storage.Checkpoint(ctx); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "checkpoint done, %d log segments retained\n", len(sh.storage.WAL().Segments()))
	return nil
}

func (sh *shell) check(ctx context.Context, _ []string) error {
	report, err := sh.storage.CheckIntegrity(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "%d pages in %d files, %d broken\n", report.Pages, report.Files, len(report.Broken))
	for _, key := range report.Broken {
		fmt.Fprintf(sh.out, "  broken page %d of file %d\n", key.PageIndex, key.FileID)
	}
	return nil
}

func (sh *shell) stats(_ context.Context, _ []string) error {
	rc := sh.storage.ReadCache()
	fmt.Fprintf(sh.out, "read cache   %d/%d pages, %s, hit rate %d%%\n",
		rc.Size(), rc.MaxSize(), humanize.IBytes(uint64(rc.UsedMemory())), rc.HitRate())
	fmt.Fprintf(sh.out, "write cache  %d files\n", len(sh.storage.WriteCache().Files()))
	fmt.Fprintf(sh.out, "wal          segments %v, end %v\n", sh.storage.WAL().Segments(), sh.storage.WAL().End())
	return nil
}

func (sh *shell) setLevel(_ context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: level <debug|info|warn|error>, current %s", sh.level.Level())
	}
	return sh.level.UnmarshalText([]byte(args[0]))
}

func parsePageIndex(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid page index %q", s)
	}
	return uint32(n), nil
}

// writeText stores text zero padded to the page size.
func writeText(page *atomicops.Page, text string) error {
	buf := make([]byte, len(page.Bytes()))
	if len(text) > len(buf) {
		return fmt.Errorf("text of %d bytes does not fit a page of %d", len(text), len(buf))
	}
	copy(buf, text)
	_, err := page.WriteAt(buf, 0)
	return err
}
