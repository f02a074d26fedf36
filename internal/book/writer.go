package book

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/maruel/sbtree/internal/shardfile"
	"github.com/maruel/sbtree/internal/table"
	"github.com/maruel/sbtree/internal/transport"
)

// SaveMeta writes t as the meta shards of the book.
//
// On failure the remote files may be left half written; reload before
// retrying.
func (b *Book) SaveMeta(ctx context.Context, t *table.Meta) error {
	if err := saveTable[json.RawMessage](ctx, b, table.KindMeta, t); err != nil {
		return err
	}
	b.meta = t.Clone()
	return nil
}

// SaveToc writes t as the toc shards of the book.
//
// On failure the remote files may be left half written; reload before
// retrying.
func (b *Book) SaveToc(ctx context.Context, t *table.Toc) error {
	if err := saveTable[[]string](ctx, b, table.KindToc, t); err != nil {
		return err
	}
	b.toc = t.Clone()
	return nil
}

// saveTable uploads t split by the size threshold, then deletes the shards
// left over from a previous larger save.
//
// The listing is fetched once after the uploads; a shard recreated
// concurrently by another writer in between may be deleted.
func saveTable[V any](ctx context.Context, b *Book, kind table.Kind, t *table.Table[V]) error {
	i := 0
	for shard, err := range t.Shards(b.threshold) {
		if err != nil {
			return fmt.Errorf("failed to prepare %s shard %d: %w", kind, i, err)
		}
		content, err := shardfile.Generate(string(kind), shard)
		if err != nil {
			return err
		}
		if err := b.upload(ctx, ShardName(kind, i), content); err != nil {
			return err
		}
		b.logger.DebugContext(ctx, "uploaded shard", "kind", kind, "index", i, "entries", shard.Len(), "bytes", len(content))
		i++
	}
	written := i

	listing, err := b.LoadTreeFiles(ctx)
	if err != nil {
		return err
	}
	for ; listing.IsFile(ShardName(kind, i)); i++ {
		if err := b.delete(ctx, ShardName(kind, i)); err != nil {
			return err
		}
		b.logger.DebugContext(ctx, "deleted stale shard", "kind", kind, "index", i)
	}
	b.logger.InfoContext(ctx, "saved table", "kind", kind, "entries", t.Len(), "shards", written, "deleted", i-written)
	return nil
}

// upload stores content as name in the tree directory.
func (b *Book) upload(ctx context.Context, name string, content []byte) error {
	target := b.TreeURL + name
	token, err := b.backend.AcquireToken(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", target, err)
	}
	form := (&transport.Form{}).
		Add("token", token).
		AddFile("upload", name, "application/javascript", content)
	if _, err := b.backend.Request(ctx, &transport.Request{
		Method:       http.MethodPost,
		URL:          target + "?a=upload&f=json",
		ResponseType: transport.ResponseJSON,
		Form:         form,
	}); err != nil {
		return fmt.Errorf("failed to upload %s: %w", target, err)
	}
	return nil
}

// delete removes name from the tree directory.
func (b *Book) delete(ctx context.Context, name string) error {
	target := b.TreeURL + name
	token, err := b.backend.AcquireToken(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", target, err)
	}
	if _, err := b.backend.Request(ctx, &transport.Request{
		Method:       http.MethodPost,
		URL:          target + "?a=delete&f=json",
		ResponseType: transport.ResponseJSON,
		Form:         (&transport.Form{}).Add("token", token),
	}); err != nil {
		return fmt.Errorf("failed to delete %s: %w", target, err)
	}
	return nil
}
