package book

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/maruel/sbtree/internal/table"
	"github.com/maruel/sbtree/internal/transport"
)

// FileInfo describes an entry of a directory listing.
type FileInfo struct {
	Name string `json:"name"`
	// Type is "file", "dir", "link" or "" for unknown entries.
	Type         string  `json:"type"`
	Size         *int64  `json:"size"`
	LastModified float64 `json:"last_modified"`
}

// Listing maps file names of the tree directory to their descriptor.
type Listing map[string]FileInfo

// IsFile reports whether name is listed as a regular file.
func (l Listing) IsFile(name string) bool {
	fi, ok := l[name]
	return ok && fi.Type == "file"
}

// ShardCount returns the number of contiguous shard files of kind starting
// at index 0.
func (l Listing) ShardCount(kind table.Kind) int {
	present := map[int]bool{}
	for name, fi := range l {
		if fi.Type != "file" {
			continue
		}
		if i, ok := shardIndex(kind, name); ok {
			present[i] = true
		}
	}
	n := 0
	for present[n] {
		n++
	}
	return n
}

// LoadTreeFiles fetches the tree directory listing and caches it.
func (b *Book) LoadTreeFiles(ctx context.Context) (Listing, error) {
	resp, err := b.backend.Request(ctx, &transport.Request{
		Method:       http.MethodGet,
		URL:          b.TreeURL + "?a=list&f=json",
		ResponseType: transport.ResponseJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", b.TreeURL, err)
	}
	var items []FileInfo
	if err := resp.Data(&items); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", b.TreeURL, err)
	}
	l := make(Listing, len(items))
	for _, it := range items {
		l[it.Name] = it
	}
	b.treeFiles = l
	b.logger.DebugContext(ctx, "listed tree files", "count", len(l))
	return l, nil
}

// ShardName returns the file name of shard i of kind: "toc.js", "toc1.js", ...
func ShardName(kind table.Kind, i int) string {
	if i == 0 {
		return string(kind) + ".js"
	}
	return string(kind) + strconv.Itoa(i) + ".js"
}

// shardIndex is the inverse of ShardName.
func shardIndex(kind table.Kind, name string) (int, bool) {
	s, ok := strings.CutPrefix(name, string(kind))
	if !ok {
		return 0, false
	}
	s, ok = strings.CutSuffix(s, ".js")
	if !ok {
		return 0, false
	}
	if s == "" {
		return 0, true
	}
	// Reject "0", "01", "+1" and the like which ShardName never produces.
	if s[0] < '1' || s[0] > '9' {
		return 0, false
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return i, true
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
