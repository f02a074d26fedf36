package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/maruel/sbtree/internal/book"
	"github.com/maruel/sbtree/internal/server"
	"github.com/maruel/sbtree/internal/settings"
	"github.com/maruel/sbtree/internal/table"
)

// cli holds the state shared by commands. It is the session's Settings so a
// reloaded settings file takes effect on the next Init.
type cli struct {
	current  atomic.Pointer[settings.Settings]
	settings *settings.Settings
	flags    overrides
	session  *server.Session
	out      io.Writer
}

// overrides holds the flags given explicitly on the command line. They win
// over the settings file, including after a reload.
type overrides struct {
	root     *string
	logLevel *string
	timeout  *time.Duration
}

func (o overrides) apply(s *settings.Settings) {
	if o.root != nil {
		s.Root = *o.root
	}
	if o.logLevel != nil {
		s.LogLevel = *o.logLevel
	}
	if o.timeout != nil {
		s.Timeout = *o.timeout
	}
}

func (c *cli) ServerRoot() string {
	if s := c.current.Load(); s != nil {
		return s.ServerRoot()
	}
	return c.settings.ServerRoot()
}

func (c *cli) run(ctx context.Context, configPath string, args []string) error {
	cmd, args := args[0], args[1:]
	want := map[string]int{
		"config": 0, "schema": 0, "books": 0, "watch": 0,
		"files": 1, "meta": 1, "toc": 1, "tree": 1,
		"save-meta": 2, "save-toc": 2,
	}
	n, ok := want[cmd]
	if !ok {
		return fmt.Errorf("unknown command %q", cmd)
	}
	if len(args) != n {
		return fmt.Errorf("%s: expected %d arguments, got %d", cmd, n, len(args))
	}

	switch cmd {
	case "schema":
		b, err := server.ConfigSchema()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(c.out, string(b))
		return err
	case "config":
		cfg, err := c.init(ctx)
		if err != nil {
			return err
		}
		return c.printJSON(cfg.Raw)
	case "books":
		if _, err := c.init(ctx); err != nil {
			return err
		}
		return c.books()
	case "watch":
		if configPath == "" {
			return errors.New("watch: -config is required")
		}
		return c.watch(ctx, configPath)
	}

	if _, err := c.init(ctx); err != nil {
		return err
	}
	b, err := c.session.Book(args[0])
	if err != nil {
		return err
	}
	switch cmd {
	case "files":
		return c.files(ctx, b)
	case "meta":
		t, err := b.LoadMeta(ctx)
		if err != nil {
			return err
		}
		return c.printJSON(t)
	case "toc":
		t, err := b.LoadToc(ctx)
		if err != nil {
			return err
		}
		return c.printJSON(t)
	case "tree":
		return c.tree(ctx, b)
	case "save-meta":
		t := table.NewMeta()
		if err := readJSON(args[1], t); err != nil {
			return err
		}
		if err := b.SaveMeta(ctx, t); err != nil {
			return err
		}
		slog.InfoContext(ctx, "Saved meta", "book", b.ID, "entries", t.Len())
		return nil
	case "save-toc":
		t := table.NewToc()
		if err := readJSON(args[1], t); err != nil {
			return err
		}
		if err := b.SaveToc(ctx, t); err != nil {
			return err
		}
		slog.InfoContext(ctx, "Saved toc", "book", b.ID, "entries", t.Len())
		return nil
	}
	return nil
}

func (c *cli) init(ctx context.Context) (*server.ServerConfig, error) {
	cfg, err := c.session.Init(ctx, false)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, errors.New("no backend configured, use -root, -config or " + settings.EnvServerRoot)
	}
	return cfg, nil
}

func (c *cli) books() error {
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tTREE")
	for _, b := range c.session.Books() {
		tree := b.TreeURL
		if b.Config.NoTree {
			tree = "-"
		}
		_, _ = fmt.Fprintf(w, "%q\t%s\t%s\n", b.ID, b.Config.Name, tree)
	}
	return w.Flush()
}

func (c *cli) files(ctx context.Context, b *book.Book) error {
	l, err := b.LoadTreeFiles(ctx)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(l))
	for name := range l {
		names = append(names, name)
	}
	slices.Sort(names)
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tTYPE\tSIZE\tMODIFIED")
	for _, name := range names {
		fi := l[name]
		size := "-"
		if fi.Size != nil {
			size = fmt.Sprint(*fi.Size)
		}
		mod := time.UnixMilli(int64(fi.LastModified * 1000)).Format(time.DateTime)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, fi.Type, size, mod)
	}
	return w.Flush()
}

func (c *cli) tree(ctx context.Context, b *book.Book) error {
	meta, err := b.LoadMeta(ctx)
	if err != nil {
		return err
	}
	toc, err := b.LoadToc(ctx)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprint(c.out, book.RenderTree(meta, toc, book.RootID)); err != nil {
		return err
	}
	if _, ok := toc.Get(book.RecycleID); ok {
		_, err = fmt.Fprint(c.out, book.RenderTree(meta, toc, book.RecycleID))
	}
	return err
}

// watch re-initializes the session each time the settings file changes. The
// server config is only refetched when the new root leaves the current server.
func (c *cli) watch(ctx context.Context, path string) error {
	if _, err := c.init(ctx); err != nil {
		return err
	}
	if err := c.books(); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Watching settings", "path", path)
	return settings.Watch(ctx, path, func(s *settings.Settings) {
		c.reload(s)
		cfg, err := c.session.Init(ctx, false)
		if err != nil {
			slog.WarnContext(ctx, "Failed to reload server config", "err", err)
			return
		}
		if cfg == nil {
			slog.InfoContext(ctx, "No backend configured")
			return
		}
		slog.InfoContext(ctx, "Session ready", "root", c.session.ServerRoot(), "books", len(c.session.BookIDs()))
		_ = c.books()
	})
}

// reload makes s the current settings, keeping the command line overrides.
func (c *cli) reload(s *settings.Settings) {
	c.flags.apply(s)
	c.current.Store(s)
}

func (c *cli) printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, string(b))
	return err
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path) //nolint:gosec // User-specified input file
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
