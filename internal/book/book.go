// Package book implements a scrapbook collection stored on the backend: its
// tree directory listing and the sharded meta and toc tables.
//
// # Shards
//
// Each table is split over files meta.js, meta1.js, meta2.js, ... in the tree
// directory. Reading stops at the first missing index and later files
// override keys of earlier ones. Writing re-splits the table by a size
// estimate, uploads every shard, then deletes the stale higher numbered files
// so that no gap remains.
//
// # Concurrency
//
// A Book caches its last listing and tables. Calls on one Book must be
// serialized by the caller.
package book

import (
	"context"
	"log/slog"
	"time"

	"github.com/maruel/sbtree/internal/table"
	"github.com/maruel/sbtree/internal/transport"
)

// ShardThreshold is the size estimate at which a shard is cut.
//
// A script string of 256 MiB breaks browsers loading the files; at mostly
// less than 32 bytes per entry this keeps files far below that.
const ShardThreshold = 4 * 1024 * 1024

// Backend is what a Book needs from the server session.
type Backend interface {
	Request(ctx context.Context, req *transport.Request) (*transport.Response, error)
	AcquireToken(ctx context.Context, url string) (string, error)
}

// Config is a book entry of the server config.
type Config struct {
	Name    string `json:"name" jsonschema:"description=Display name of the book"`
	TopDir  string `json:"top_dir,omitempty" jsonschema:"description=Book directory relative to the server root"`
	DataDir string `json:"data_dir,omitempty" jsonschema:"description=Data directory relative to top_dir"`
	TreeDir string `json:"tree_dir,omitempty" jsonschema:"description=Tree directory relative to top_dir"`
	Index   string `json:"index" validate:"required" jsonschema:"description=Index page relative to top_dir"`
	NoTree  bool   `json:"no_tree,omitempty" jsonschema:"description=The book has no tree files"`
}

// Book is one collection hosted by the server.
type Book struct {
	ID     string
	Config Config

	TopURL   string
	DataURL  string
	TreeURL  string
	IndexURL string

	backend   Backend
	logger    *slog.Logger
	now       func() time.Time
	threshold int

	treeFiles Listing
	meta      *table.Meta
	toc       *table.Toc
}

// Option configures a Book.
type Option func(*Book)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Book) { b.logger = l }
}

// WithClock sets the clock used for cache busting parameters.
func WithClock(now func() time.Time) Option {
	return func(b *Book) { b.now = now }
}

// WithShardThreshold overrides ShardThreshold.
func WithShardThreshold(n int) Option {
	return func(b *Book) { b.threshold = n }
}

// New creates the book id described by cfg. serverRoot must end with "/".
func New(id string, cfg Config, serverRoot string, backend Backend, opts ...Option) *Book {
	b := &Book{
		ID:        id,
		Config:    cfg,
		backend:   backend,
		logger:    slog.Default(),
		now:       time.Now,
		threshold: ShardThreshold,
	}
	for _, o := range opts {
		o(b)
	}
	b.TopURL = serverRoot + dirPart(cfg.TopDir)
	b.DataURL = b.TopURL + dirPart(cfg.DataDir)
	b.TreeURL = b.TopURL + dirPart(cfg.TreeDir)
	b.IndexURL = b.TopURL + cfg.Index
	b.logger = b.logger.With("book", id)
	return b
}

// TreeFiles returns the last loaded listing, nil before the first load.
func (b *Book) TreeFiles() Listing {
	return b.treeFiles
}

// Meta returns the last loaded or saved meta table, nil before the first one.
func (b *Book) Meta() *table.Meta {
	return b.meta
}

// Toc returns the last loaded or saved toc table, nil before the first one.
func (b *Book) Toc() *table.Toc {
	return b.toc
}

// cacheBuster returns a query parameter value unique per millisecond.
func (b *Book) cacheBuster() string {
	return formatMillis(b.now())
}

func dirPart(d string) string {
	if d == "" {
		return ""
	}
	return d + "/"
}
