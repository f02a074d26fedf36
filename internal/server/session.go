// Package server implements the session with a WebScrapBook compatible
// backend: configuration discovery, request error mapping and access tokens.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/maruel/sbtree/internal/apierr"
	"github.com/maruel/sbtree/internal/book"
	"github.com/maruel/sbtree/internal/transport"
)

// Settings provides the configured storage root.
//
// It is consulted on every Init so the host can change it at runtime.
type Settings interface {
	// ServerRoot returns the configured root URL, "" when no backend is
	// configured.
	ServerRoot() string
}

// StaticRoot is a fixed storage root.
type StaticRoot string

// ServerRoot implements Settings.
func (s StaticRoot) ServerRoot() string {
	return string(s)
}

// SettingsFunc adapts a function to Settings.
type SettingsFunc func() string

// ServerRoot implements Settings.
func (f SettingsFunc) ServerRoot() string {
	return f()
}

// Session is a connection to one backend. Create one per host application
// and pass it around.
type Session struct {
	settings Settings
	doer     transport.Doer
	logger   *slog.Logger
	now      func() time.Time
	bookOpts []book.Option

	mu         sync.Mutex
	config     *ServerConfig
	serverRoot string
	books      map[string]*book.Book
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithClock sets the clock used for cache busting parameters.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithBookOptions sets options applied to every Book created by Init.
func WithBookOptions(opts ...book.Option) Option {
	return func(s *Session) { s.bookOpts = append(s.bookOpts, opts...) }
}

// New returns a session. Call Init before use.
func New(settings Settings, doer transport.Doer, opts ...Option) *Session {
	s := &Session{
		settings: settings,
		doer:     doer,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init loads the server config and creates the books.
//
// The cached config is reused unless refresh is set or the configured root is
// no longer below the resolved server root. When no backend is configured,
// Init returns nil without error.
func (s *Session) Init(ctx context.Context, refresh bool) (*ServerConfig, error) {
	root := s.settings.ServerRoot()
	if root == "" {
		return nil, nil
	}
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}

	s.mu.Lock()
	cached, serverRoot := s.config, s.serverRoot
	s.mu.Unlock()
	if cached != nil && !refresh && strings.HasPrefix(root, serverRoot) {
		return cached, nil
	}

	resp, err := s.Request(ctx, &transport.Request{
		Method:       http.MethodGet,
		URL:          root + "?a=config&f=json&ts=" + strconv.FormatInt(s.now().UnixMilli(), 10),
		ResponseType: transport.ResponseJSON,
	})
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := resp.Data(&raw); err != nil {
		return nil, err
	}
	cfg, err := parseConfig(raw)
	if err != nil {
		return nil, apierr.Protocol("invalid server config").Wrap(err)
	}

	// The configured root may be deeper than the server; use its declared
	// base path instead.
	u, err := url.Parse(root)
	if err != nil {
		return nil, fmt.Errorf("invalid server root %q: %w", root, err)
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = cfg.Server.Base + "/"
	u.RawPath = ""
	serverRoot = u.String()

	books := make(map[string]*book.Book, len(cfg.Book))
	for id, bc := range cfg.Book {
		books[id] = book.New(id, bc, serverRoot, s, s.bookOpts...)
	}

	s.mu.Lock()
	s.config = cfg
	s.serverRoot = serverRoot
	s.books = books
	s.mu.Unlock()
	s.logger.InfoContext(ctx, "loaded server config", "root", serverRoot, "books", len(books))
	return cfg, nil
}

// Config returns the current config, nil before Init.
func (s *Session) Config() *ServerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// ServerRoot returns the resolved server root, "" before Init.
func (s *Session) ServerRoot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverRoot
}

// BookIDs returns the sorted ids of the books.
func (s *Session) BookIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.books))
	for id := range s.books {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Books returns the books ordered by id.
func (s *Session) Books() []*book.Book {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*book.Book, 0, len(s.books))
	for _, b := range s.books {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b *book.Book) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Book returns the book id.
func (s *Session) Book(id string) (*book.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[id]
	if !ok {
		return nil, apierr.UnknownBook(id)
	}
	return b, nil
}

// AcquireToken gets a fresh access token from url, or from the server root
// when url is empty.
func (s *Session) AcquireToken(ctx context.Context, url string) (string, error) {
	if url == "" {
		url = s.ServerRoot()
	}
	resp, err := s.Request(ctx, &transport.Request{
		Method:       http.MethodGet,
		URL:          url + "?a=token&f=json",
		ResponseType: transport.ResponseJSON,
	})
	if err != nil {
		return "", apierr.TokenAcquisition(err)
	}
	var token string
	if err := resp.Data(&token); err != nil {
		return "", apierr.TokenAcquisition(err)
	}
	return token, nil
}

// Request sends req and maps failures: no response is a connectivity error,
// an error payload a server error, a status outside 200-206 a status error.
func (s *Session) Request(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	resp, err := s.doer.Do(ctx, req)
	if err != nil {
		s.logger.DebugContext(ctx, "request failed", "url", req.URL, "err", err)
		return nil, apierr.Connectivity(err)
	}
	if req.ResponseType == transport.ResponseJSON {
		if msg := resp.ErrorMessage(); msg != "" {
			return nil, apierr.Server(msg).WithURL(req.URL)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 206 {
		return nil, apierr.HTTPStatus(resp.StatusCode, resp.StatusText).WithURL(req.URL)
	}
	return resp, nil
}
