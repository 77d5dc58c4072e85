package search

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/filament-chat/filament-server/internal/idkit"
)

type fakePersistedLister struct {
	docs []Document
}

func (f *fakePersistedLister) ListForSearchReconcile(_ context.Context, guildID idkit.GuildID, limit int) ([]Document, error) {
	var out []Document
	for _, d := range f.docs {
		if d.GuildID != guildID {
			continue
		}
		out = append(out, d)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func TestReconcileUpsertsMissingAndDiffering(t *testing.T) {
	t.Parallel()

	e := NewEngine(zerolog.Nop())
	defer e.Close()

	guildID := idkit.New()
	stale := newDoc(guildID, "stale content")
	fresh := newDoc(guildID, "brand new content")

	if err := e.Upsert(context.Background(), stale); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	persisted := &fakePersistedLister{docs: []Document{
		{MessageID: stale.MessageID, GuildID: guildID, Content: "stale content, edited", CreatedAtUnix: stale.CreatedAtUnix},
		fresh,
	}}

	upserted, deleted, err := Reconcile(context.Background(), e, persisted, guildID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if upserted != 2 {
		t.Fatalf("upserted = %d, want 2 (edited stale doc + fresh doc)", upserted)
	}
	if deleted != 0 {
		t.Fatalf("deleted = %d, want 0", deleted)
	}

	snap, err := e.SnapshotGuild(context.Background(), guildID)
	if err != nil {
		t.Fatalf("SnapshotGuild: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("snapshot = %v, want 2 docs", snap)
	}
}

func TestReconcileDeletesOrphanedIndexEntries(t *testing.T) {
	t.Parallel()

	e := NewEngine(zerolog.Nop())
	defer e.Close()

	guildID := idkit.New()
	orphan := newDoc(guildID, "message that was deleted")
	if err := e.Upsert(context.Background(), orphan); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	persisted := &fakePersistedLister{}
	upserted, deleted, err := Reconcile(context.Background(), e, persisted, guildID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if upserted != 0 || deleted != 1 {
		t.Fatalf("upserted/deleted = %d/%d, want 0/1", upserted, deleted)
	}

	snap, err := e.SnapshotGuild(context.Background(), guildID)
	if err != nil {
		t.Fatalf("SnapshotGuild: %v", err)
	}
	if len(snap) != 0 {
		t.Fatalf("snapshot = %v, want empty after orphan delete", snap)
	}
}

func TestReconcileLeavesUnchangedDocsAlone(t *testing.T) {
	t.Parallel()

	e := NewEngine(zerolog.Nop())
	defer e.Close()

	guildID := idkit.New()
	doc := newDoc(guildID, "nothing has changed")
	if err := e.Upsert(context.Background(), doc); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	persisted := &fakePersistedLister{docs: []Document{doc}}
	upserted, deleted, err := Reconcile(context.Background(), e, persisted, guildID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if upserted != 0 || deleted != 0 {
		t.Fatalf("upserted/deleted = %d/%d, want 0/0 for an unchanged doc", upserted, deleted)
	}
}
