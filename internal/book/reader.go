package book

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/maruel/sbtree/internal/apierr"
	"github.com/maruel/sbtree/internal/shardfile"
	"github.com/maruel/sbtree/internal/table"
	"github.com/maruel/sbtree/internal/transport"
)

// LoadMeta reads and merges the meta shards and caches the result.
func (b *Book) LoadMeta(ctx context.Context) (*table.Meta, error) {
	t, err := loadTable[json.RawMessage](ctx, b, table.KindMeta)
	if err != nil {
		return nil, err
	}
	b.meta = t
	return t, nil
}

// LoadToc reads and merges the toc shards and caches the result.
func (b *Book) LoadToc(ctx context.Context) (*table.Toc, error) {
	t, err := loadTable[[]string](ctx, b, table.KindToc)
	if err != nil {
		return nil, err
	}
	b.toc = t
	return t, nil
}

// loadTable refreshes the listing then reads shards 0, 1, ... until the first
// one missing from it.
func loadTable[V any](ctx context.Context, b *Book, kind table.Kind) (*table.Table[V], error) {
	listing, err := b.LoadTreeFiles(ctx)
	if err != nil {
		return nil, err
	}
	n := listing.ShardCount(kind)
	suffix := "?ts=" + b.cacheBuster()
	out := table.New[V]()
	for i := range n {
		u := b.TreeURL + url.PathEscape(ShardName(kind, i))
		resp, err := b.backend.Request(ctx, &transport.Request{
			Method:       http.MethodGet,
			URL:          u + suffix,
			ResponseType: transport.ResponseText,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load %q: %w", u, err)
		}
		shard := table.New[V]()
		if err := shardfile.Decode(resp.Body, shard); err != nil {
			return nil, apierr.MalformedShard(u, err)
		}
		out.Merge(shard)
		b.logger.DebugContext(ctx, "loaded shard", "kind", kind, "index", i, "entries", shard.Len())
	}
	b.logger.InfoContext(ctx, "loaded table", "kind", kind, "shards", n, "entries", out.Len())
	return out, nil
}
