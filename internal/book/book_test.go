package book

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/maruel/sbtree/internal/apierr"
	"github.com/maruel/sbtree/internal/sbtest"
	"github.com/maruel/sbtree/internal/shardfile"
	"github.com/maruel/sbtree/internal/table"
	"github.com/maruel/sbtree/internal/transport"
)

// testBackend is a minimal session: it maps error payloads and statuses like
// the real one and fetches tokens from the server root.
type testBackend struct {
	root string
	doer transport.Doer
}

func (b *testBackend) Request(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	resp, err := b.doer.Do(ctx, req)
	if err != nil {
		return nil, apierr.Connectivity(err)
	}
	if msg := resp.ErrorMessage(); msg != "" {
		return nil, apierr.Server(msg)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 206 {
		return nil, apierr.HTTPStatus(resp.StatusCode, resp.StatusText)
	}
	return resp, nil
}

func (b *testBackend) AcquireToken(ctx context.Context, _ string) (string, error) {
	resp, err := b.Request(ctx, &transport.Request{Method: http.MethodGet, URL: b.root + "?a=token&f=json"})
	if err != nil {
		return "", apierr.TokenAcquisition(err)
	}
	var tok string
	if err := resp.Data(&tok); err != nil {
		return "", apierr.TokenAcquisition(err)
	}
	return tok, nil
}

func newTestBook(t *testing.T, opts ...Option) (*Book, *sbtest.Server) {
	t.Helper()
	srv := sbtest.New(t, map[string]any{})
	root := srv.URL + "/"
	be := &testBackend{root: root, doer: transport.NewHTTPClient(transport.Options{})}
	opts = append([]Option{WithClock(func() time.Time { return time.UnixMilli(1700000000000) })}, opts...)
	return New("default", Config{TreeDir: "tree", Index: "index.html"}, root, be, opts...), srv
}

func putShard(t *testing.T, srv *sbtest.Server, kind table.Kind, i int, v any) {
	t.Helper()
	b, err := shardfile.Generate(string(kind), v)
	if err != nil {
		t.Fatal(err)
	}
	srv.PutFile("/tree/"+ShardName(kind, i), b)
}

// readShard returns the compacted values of a stored shard.
func readShard(t *testing.T, srv *sbtest.Server, kind table.Kind, i int) map[string]json.RawMessage {
	t.Helper()
	b, ok := srv.File("/tree/" + ShardName(kind, i))
	if !ok {
		t.Fatalf("%s missing", ShardName(kind, i))
	}
	var m map[string]json.RawMessage
	if err := shardfile.Decode(b, &m); err != nil {
		t.Fatalf("%s: %v", ShardName(kind, i), err)
	}
	for k, v := range m {
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			t.Fatal(err)
		}
		m[k] = buf.Bytes()
	}
	return m
}

func tocOf(pairs ...any) *table.Toc {
	t := table.NewToc()
	for i := 0; i < len(pairs); i += 2 {
		t.Set(pairs[i].(string), pairs[i+1].([]string))
	}
	return t
}

func equalToc(a, b *table.Toc) bool {
	if a.Len() != b.Len() {
		return false
	}
	for k, v := range a.All() {
		w, ok := b.Get(k)
		if !ok || !slices.Equal(v, w) {
			return false
		}
	}
	return true
}

func TestNew(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want [4]string
	}{
		{
			"all dirs",
			Config{TopDir: "top", DataDir: "data", TreeDir: ".wsb/tree", Index: "index.html"},
			[4]string{"http://h/sb/top/", "http://h/sb/top/data/", "http://h/sb/top/.wsb/tree/", "http://h/sb/top/index.html"},
		},
		{
			"no dirs",
			Config{Index: "tree/map.html"},
			[4]string{"http://h/sb/", "http://h/sb/", "http://h/sb/", "http://h/sb/tree/map.html"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("id", tt.cfg, "http://h/sb/", nil)
			got := [4]string{b.TopURL, b.DataURL, b.TreeURL, b.IndexURL}
			if got != tt.want {
				t.Errorf("URLs = %v, want %v", got, tt.want)
			}
			if b.TreeFiles() != nil || b.Meta() != nil || b.Toc() != nil {
				t.Error("snapshots must be empty before the first load")
			}
		})
	}
}

func TestShardNames(t *testing.T) {
	t.Run("ShardName", func(t *testing.T) {
		if got := ShardName(table.KindToc, 0); got != "toc.js" {
			t.Errorf("ShardName(toc, 0) = %q", got)
		}
		if got := ShardName(table.KindMeta, 12); got != "meta12.js" {
			t.Errorf("ShardName(meta, 12) = %q", got)
		}
	})

	t.Run("shardIndex", func(t *testing.T) {
		tests := []struct {
			name   string
			want   int
			wantOK bool
		}{
			{"meta.js", 0, true},
			{"meta1.js", 1, true},
			{"meta10.js", 10, true},
			{"meta0.js", 0, false},
			{"meta01.js", 0, false},
			{"meta-1.js", 0, false},
			{"meta1.json", 0, false},
			{"toc.js", 0, false},
			{"metax.js", 0, false},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, ok := shardIndex(table.KindMeta, tt.name)
				if got != tt.want || ok != tt.wantOK {
					t.Errorf("shardIndex(%q) = %d, %v, want %d, %v", tt.name, got, ok, tt.want, tt.wantOK)
				}
			})
		}
	})

	t.Run("ShardCount", func(t *testing.T) {
		file := FileInfo{Type: "file"}
		tests := []struct {
			name    string
			listing Listing
			want    int
		}{
			{"empty", Listing{}, 0},
			{"contiguous", Listing{"meta.js": file, "meta1.js": file, "meta2.js": file, "toc.js": file}, 3},
			{"gap", Listing{"meta.js": file, "meta2.js": file}, 1},
			{"no first", Listing{"meta1.js": file}, 0},
			{"directory is not a shard", Listing{"meta.js": file, "meta1.js": {Type: "dir"}}, 1},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if got := tt.listing.ShardCount(table.KindMeta); got != tt.want {
					t.Errorf("ShardCount() = %d, want %d", got, tt.want)
				}
			})
		}
	})
}

func TestLoadTreeFiles(t *testing.T) {
	b, srv := newTestBook(t)
	srv.PutFile("/tree/meta.js", []byte("x"))
	srv.PutFile("/tree/toc.js", []byte("yy"))
	l, err := b.LoadTreeFiles(t.Context())
	if err != nil {
		t.Fatalf("LoadTreeFiles() error = %v", err)
	}
	if len(l) != 2 || !l.IsFile("toc.js") || l.IsFile("toc1.js") {
		t.Errorf("LoadTreeFiles() = %v", l)
	}
	if s := l["toc.js"].Size; s == nil || *s != 2 {
		t.Errorf("size = %v, want 2", s)
	}

	// Always a full refresh.
	srv.PutFile("/tree/toc1.js", []byte("z"))
	l, err = b.LoadTreeFiles(t.Context())
	if err != nil {
		t.Fatalf("LoadTreeFiles() error = %v", err)
	}
	if !l.IsFile("toc1.js") || len(b.TreeFiles()) != 3 {
		t.Errorf("LoadTreeFiles() = %v, want refreshed listing", l)
	}

	t.Run("server error", func(t *testing.T) {
		srv.Fail("list", sbtest.Failure{Status: http.StatusNotFound, Message: "Directory does not exist."})
		_, err := b.LoadTreeFiles(t.Context())
		if !apierr.Is(err, apierr.ErrServer) {
			t.Errorf("LoadTreeFiles() error = %v, want server error", err)
		}
	})
}

func TestLoad(t *testing.T) {
	t.Run("merge precedence", func(t *testing.T) {
		b, srv := newTestBook(t)
		srv.PutFile("/tree/meta.js", []byte(`scrapbook.meta({"a":1,"b":2})`))
		srv.PutFile("/tree/meta1.js", []byte(`scrapbook.meta({"b":3,"c":4});`))
		m, err := b.LoadMeta(t.Context())
		if err != nil {
			t.Fatalf("LoadMeta() error = %v", err)
		}
		got, _ := json.Marshal(m)
		if string(got) != `{"a":1,"b":3,"c":4}` {
			t.Errorf("LoadMeta() = %s, want {\"a\":1,\"b\":3,\"c\":4}", got)
		}
		if b.Meta() != m {
			t.Error("LoadMeta() didn't cache the table")
		}
	})

	t.Run("stops at gap", func(t *testing.T) {
		b, srv := newTestBook(t)
		srv.PutFile("/tree/meta.js", []byte(`scrapbook.meta({"a":1})`))
		srv.PutFile("/tree/meta2.js", []byte(`scrapbook.meta({"z":26})`))
		m, err := b.LoadMeta(t.Context())
		if err != nil {
			t.Fatalf("LoadMeta() error = %v", err)
		}
		if _, ok := m.Get("z"); ok || m.Len() != 1 {
			t.Errorf("LoadMeta() = %v, want only meta.js content", m.Keys())
		}
		for _, c := range srv.CallsFor("") {
			if strings.HasSuffix(c.Path, "meta2.js") {
				t.Error("meta2.js was fetched")
			}
		}
	})

	t.Run("no shard", func(t *testing.T) {
		b, _ := newTestBook(t)
		toc, err := b.LoadToc(t.Context())
		if err != nil {
			t.Fatalf("LoadToc() error = %v", err)
		}
		if toc.Len() != 0 {
			t.Errorf("LoadToc() = %v, want empty", toc.Keys())
		}
	})

	t.Run("cache busting", func(t *testing.T) {
		b, srv := newTestBook(t)
		srv.PutFile("/tree/toc.js", []byte(`scrapbook.toc({"root":["a"]})`))
		if _, err := b.LoadToc(t.Context()); err != nil {
			t.Fatalf("LoadToc() error = %v", err)
		}
		reads := srv.CallsFor("")
		if len(reads) != 1 || reads[0].Query != "ts=1700000000000" {
			t.Errorf("reads = %+v, want one with ts=1700000000000", reads)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		tests := []struct {
			name string
			text string
		}{
			{"plain text", "not a shard at all"},
			{"bad JSON", "scrapbook.meta({a:1})"},
			{"not an object", "scrapbook.meta([1,2])"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				b, srv := newTestBook(t)
				srv.PutFile("/tree/meta.js", []byte(`scrapbook.meta({})`))
				srv.PutFile("/tree/meta1.js", []byte(tt.text))
				_, err := b.LoadMeta(t.Context())
				if !apierr.Is(err, apierr.ErrMalformedShard) {
					t.Fatalf("LoadMeta() error = %v, want malformed shard", err)
				}
				if want := b.TreeURL + "meta1.js"; !strings.Contains(err.Error(), want) {
					t.Errorf("LoadMeta() error = %q, want it to contain %q", err, want)
				}
				if b.Meta() != nil {
					t.Error("failed load must not replace the cache")
				}
			})
		}
	})

	t.Run("tree at server root", func(t *testing.T) {
		srv := sbtest.New(t, map[string]any{})
		root := srv.URL + "/"
		b := New("", Config{Index: "index.html"}, root, &testBackend{root: root, doer: transport.NewHTTPClient(transport.Options{})})
		content, err := shardfile.Generate("toc", map[string][]string{"root": {"a"}})
		if err != nil {
			t.Fatal(err)
		}
		srv.PutFile("/toc.js", content)
		toc, err := b.LoadToc(t.Context())
		if err != nil {
			t.Fatalf("LoadToc() error = %v", err)
		}
		if got, _ := toc.Get("root"); !slices.Equal(got, []string{"a"}) {
			t.Errorf("root = %v, want [a]", got)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		b, srv := newTestBook(t)
		srv.PutFile("/tree/toc.js", []byte(`scrapbook.toc({})`))
		srv.Fail("", sbtest.Failure{Status: http.StatusNotFound})
		_, err := b.LoadToc(t.Context())
		if !apierr.Is(err, apierr.ErrHTTPStatus) {
			t.Errorf("LoadToc() error = %v, want HTTP status error", err)
		}
	})
}

func TestSave(t *testing.T) {
	t.Run("round trip over several shards", func(t *testing.T) {
		b, _ := newTestBook(t, WithShardThreshold(20))
		toc := tocOf(
			"root", []string{"20200101", "20200102", "20200103"},
			"20200101", []string{"20200104"},
			"20200102", []string{},
			"20200104", []string{"20200106", "20200105"},
		)
		if err := b.SaveToc(t.Context(), toc); err != nil {
			t.Fatalf("SaveToc() error = %v", err)
		}
		if b.TreeFiles().ShardCount(table.KindToc) < 2 {
			t.Errorf("expected several shards, got listing %v", b.TreeFiles())
		}
		got, err := b.LoadToc(t.Context())
		if err != nil {
			t.Fatalf("LoadToc() error = %v", err)
		}
		if !equalToc(got, toc) {
			t.Errorf("LoadToc() = %v, want %v", got.Keys(), toc.Keys())
		}
		if v, _ := got.Get("20200104"); !slices.Equal(v, []string{"20200106", "20200105"}) {
			t.Errorf("children order = %v", v)
		}
	})

	t.Run("snapshot is a copy", func(t *testing.T) {
		b, _ := newTestBook(t)
		toc := tocOf("root", []string{"a"})
		if err := b.SaveToc(t.Context(), toc); err != nil {
			t.Fatalf("SaveToc() error = %v", err)
		}
		toc.Set("later", nil)
		if b.Toc().Len() != 1 {
			t.Errorf("Toc() changed with the caller's table: %v", b.Toc().Keys())
		}
	})

	t.Run("meta round trip", func(t *testing.T) {
		b, _ := newTestBook(t, WithShardThreshold(40))
		meta := table.NewMeta()
		meta.Set("20200101", json.RawMessage(`{"title":"Hello <world>","type":"","create":"20200101"}`))
		meta.Set("20200102", json.RawMessage(`{"title":"Folder","type":"folder"}`))
		meta.Set("20200103", json.RawMessage(`{"title":"é","tags":["a","b"],"n":1.5}`))
		if err := b.SaveMeta(t.Context(), meta); err != nil {
			t.Fatalf("SaveMeta() error = %v", err)
		}
		got, err := b.LoadMeta(t.Context())
		if err != nil {
			t.Fatalf("LoadMeta() error = %v", err)
		}
		if !slices.Equal(got.Keys(), meta.Keys()) {
			t.Fatalf("keys = %v, want %v", got.Keys(), meta.Keys())
		}
		for k, v := range meta.All() {
			var want, have any
			w, _ := got.Get(k)
			if err := json.Unmarshal(v, &want); err != nil {
				t.Fatal(err)
			}
			if err := json.Unmarshal(w, &have); err != nil {
				t.Fatal(err)
			}
			wb, _ := json.Marshal(want)
			hb, _ := json.Marshal(have)
			if string(wb) != string(hb) {
				t.Errorf("%s = %s, want %s", k, hb, wb)
			}
		}
	})

	t.Run("split at default threshold", func(t *testing.T) {
		b, srv := newTestBook(t)
		big := func(n int) json.RawMessage {
			v, _ := json.Marshal(strings.Repeat("x", n))
			return v
		}
		meta := table.NewMeta()
		// 1+3MiB+2 then 1+1MiB+2: the second entry crosses the threshold.
		meta.Set("a", big(3<<20))
		meta.Set("b", big(1<<20))
		meta.Set("c", json.RawMessage(`{"title":"small"}`))
		if err := b.SaveMeta(t.Context(), meta); err != nil {
			t.Fatalf("SaveMeta() error = %v", err)
		}
		if got := srv.Files("/tree/"); !slices.Equal(got, []string{"meta.js", "meta1.js"}) {
			t.Fatalf("files = %v, want [meta.js meta1.js]", got)
		}
		s0 := readShard(t, srv, table.KindMeta, 0)
		s1 := readShard(t, srv, table.KindMeta, 1)
		if len(s0) != 2 || s0["a"] == nil || s0["b"] == nil {
			t.Errorf("meta.js keys = %d, want a and b", len(s0))
		}
		if len(s1) != 1 || s1["c"] == nil {
			t.Errorf("meta1.js keys = %d, want c", len(s1))
		}
	})

	t.Run("stale shards are deleted", func(t *testing.T) {
		b, srv := newTestBook(t)
		putShard(t, srv, table.KindToc, 0, map[string][]string{"root": {"old0"}})
		putShard(t, srv, table.KindToc, 1, map[string][]string{"x": {"old1"}})
		putShard(t, srv, table.KindToc, 2, map[string][]string{"y": {"old2"}})
		putShard(t, srv, table.KindMeta, 1, map[string]any{"untouched": 1})

		if err := b.SaveToc(t.Context(), tocOf("root", []string{"new"})); err != nil {
			t.Fatalf("SaveToc() error = %v", err)
		}
		if got := srv.Files("/tree/"); !slices.Equal(got, []string{"meta1.js", "toc.js"}) {
			t.Errorf("files = %v, want [meta1.js toc.js]", got)
		}
		if got := readShard(t, srv, table.KindToc, 0); string(got["root"]) != `["new"]` {
			t.Errorf("toc.js root = %s", got["root"])
		}

		// Uploads, then a single listing, then deletes in increasing order.
		var seq []string
		for _, c := range srv.Calls() {
			if c.Action == "token" {
				continue
			}
			seq = append(seq, c.Action+" "+c.Path)
		}
		want := []string{"upload /tree/toc.js", "list /tree/", "delete /tree/toc1.js", "delete /tree/toc2.js"}
		if !slices.Equal(seq, want) {
			t.Errorf("calls = %v, want %v", seq, want)
		}
	})

	t.Run("fresh token per request", func(t *testing.T) {
		b, srv := newTestBook(t, WithShardThreshold(10))
		for i := range 4 {
			putShard(t, srv, table.KindToc, i, map[string][]string{})
		}
		// Three entries of 1+len(`["x"]`) = 6 units each, cut every two.
		toc := tocOf("a", []string{"x"}, "b", []string{"x"}, "c", []string{"x"})
		if err := b.SaveToc(t.Context(), toc); err != nil {
			t.Fatalf("SaveToc() error = %v", err)
		}
		uploads, deletes := srv.CallsFor("upload"), srv.CallsFor("delete")
		if len(uploads) != 2 || len(deletes) != 2 {
			t.Fatalf("uploads = %d, deletes = %d, want 2 and 2", len(uploads), len(deletes))
		}
		if n := len(srv.CallsFor("token")); n != 4 {
			t.Errorf("token requests = %d, want 4", n)
		}
		seen := map[string]bool{}
		for _, c := range append(uploads, deletes...) {
			if c.Token == "" || seen[c.Token] {
				t.Errorf("token %q reused or missing", c.Token)
			}
			seen[c.Token] = true
		}
	})

	t.Run("empty table removes every shard", func(t *testing.T) {
		b, srv := newTestBook(t)
		putShard(t, srv, table.KindToc, 0, map[string][]string{"root": {}})
		putShard(t, srv, table.KindToc, 1, map[string][]string{})
		if err := b.SaveToc(t.Context(), table.NewToc()); err != nil {
			t.Fatalf("SaveToc() error = %v", err)
		}
		if got := srv.Files("/tree/"); len(got) != 0 {
			t.Errorf("files = %v, want none", got)
		}
	})

	t.Run("failure leaves partial state", func(t *testing.T) {
		b, srv := newTestBook(t)
		putShard(t, srv, table.KindToc, 0, map[string][]string{"root": {"old"}})
		putShard(t, srv, table.KindToc, 1, map[string][]string{})
		putShard(t, srv, table.KindToc, 2, map[string][]string{})
		srv.Fail("delete", sbtest.Failure{Status: http.StatusInternalServerError, Message: "disk full"})
		err := b.SaveToc(t.Context(), tocOf("root", []string{"new"}))
		if !apierr.Is(err, apierr.ErrServer) || !strings.Contains(err.Error(), "disk full") {
			t.Fatalf("SaveToc() error = %v, want server error", err)
		}
		if got := readShard(t, srv, table.KindToc, 0); string(got["root"]) != `["new"]` {
			t.Errorf("toc.js root = %s, want the new upload to remain", got["root"])
		}
		if got := srv.Files("/tree/"); len(got) != 3 {
			t.Errorf("files = %v, want the stale shards left in place", got)
		}
		if len(srv.CallsFor("delete")) != 1 {
			t.Error("no retry expected")
		}
		if b.Toc() != nil {
			t.Error("failed save must not replace the cache")
		}
	})

	t.Run("token failure", func(t *testing.T) {
		b, srv := newTestBook(t)
		srv.Fail("token", sbtest.Failure{Status: http.StatusForbidden})
		err := b.SaveToc(t.Context(), tocOf("root", []string{}))
		if !apierr.Is(err, apierr.ErrTokenAcquisition) {
			t.Fatalf("SaveToc() error = %v, want token error", err)
		}
		if len(srv.CallsFor("upload")) != 0 {
			t.Error("upload must not be attempted without a token")
		}
	})
}

func TestRenderTree(t *testing.T) {
	meta := table.NewMeta()
	meta.Set("f", json.RawMessage(`{"title":"Folder","type":"folder"}`))
	meta.Set("p", json.RawMessage(`{"title":"Page"}`))
	meta.Set("s", json.RawMessage(`{"type":"separator"}`))
	meta.Set("n", json.RawMessage(`{}`))
	toc := tocOf(
		"root", []string{"f", "s", "n", "gone"},
		"f", []string{"p", "f"},
	)
	got := RenderTree(meta, toc, RootID)
	for _, want := range []string{"root", "Folder [folder]", "Page", "----", "n", "gone (missing)", "Folder [folder] (cycle)"} {
		if !strings.Contains(got, want) {
			t.Errorf("RenderTree() =\n%s\nwant it to contain %q", got, want)
		}
	}
	if strings.Index(got, "Folder [folder]") > strings.Index(got, "Page") {
		t.Errorf("RenderTree() =\n%s\nchildren must follow their parent", got)
	}
}
