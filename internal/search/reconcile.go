package search

import (
	"context"

	"github.com/filament-chat/filament-server/internal/filconst"
	"github.com/filament-chat/filament-server/internal/idkit"
)

// PersistedLister is the slice of message.Repository the reconciler needs. Defined locally so this package
// doesn't import internal/message just for a method signature.
type PersistedLister interface {
	ListForSearchReconcile(ctx context.Context, guildID idkit.GuildID, limit int) ([]Document, error)
}

// Reconcile computes and applies the symmetric-diff repair described in §4.7: messages persisted for
// guildID but missing from (or differing in) the index are upserted, and index entries with no surviving
// persisted row are deleted. Both sides are bounded to filconst.MaxSearchReconcileDocs.
func Reconcile(ctx context.Context, engine *Engine, persisted PersistedLister, guildID idkit.GuildID) (upserted, deleted int, err error) {
	persistedDocs, err := persisted.ListForSearchReconcile(ctx, guildID, filconst.MaxSearchReconcileDocs)
	if err != nil {
		return 0, 0, err
	}
	indexedDocs, err := engine.SnapshotGuild(ctx, guildID)
	if err != nil {
		return 0, 0, err
	}

	indexed := make(map[idkit.MessageID]Document, len(indexedDocs))
	for _, d := range indexedDocs {
		indexed[d.MessageID] = d
	}

	var upserts []Document
	persistedIDs := make(map[idkit.MessageID]struct{}, len(persistedDocs))
	for _, d := range persistedDocs {
		persistedIDs[d.MessageID] = struct{}{}
		old, ok := indexed[d.MessageID]
		if !ok || old.Content != d.Content {
			upserts = append(upserts, d)
		}
	}

	var deletes []idkit.MessageID
	for id := range indexed {
		if _, ok := persistedIDs[id]; !ok {
			deletes = append(deletes, id)
		}
	}

	return engine.Reconcile(ctx, upserts, deletes)
}
