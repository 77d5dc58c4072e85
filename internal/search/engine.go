// Package search implements SearchEngine (§4.7): an in-memory inverted index over message content, owned
// by a single writer goroutine that drains a bounded command channel. Every mutation and every query is a
// command submitted to that goroutine, so the index's maps are never touched from more than one
// goroutine — the same "single canonical owner, narrow message-passing API" shape the teacher uses for its
// internal/gateway connection registry, generalized here to index state instead of connection state.
package search

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/filament-chat/filament-server/internal/filconst"
	"github.com/filament-chat/filament-server/internal/idkit"
	"github.com/filament-chat/filament-server/internal/message"
)

// Document is the unit the index stores and searches over. Identical in shape to message.SearchDocument;
// kept as a distinct name so this package doesn't leak its message-package origin into its own API.
type Document = message.SearchDocument

var (
	// ErrQueueFull is returned when the command channel is saturated (filconst.SearchIndexQueueCapacity)
	// and a command cannot be enqueued within filconst.SearchQueryTimeout; if the caller's context ends
	// first, its error is returned instead.
	ErrQueueFull = errors.New("search: index command queue is full")

	// ErrEngineClosed is returned by any call made after Close.
	ErrEngineClosed = errors.New("search: engine is closed")
)

type commandKind int

const (
	cmdUpsert commandKind = iota
	cmdDelete
	cmdRebuild
	cmdReconcile
	cmdQuery
	cmdSnapshot
)

type command struct {
	kind      commandKind
	doc       Document
	messageID idkit.MessageID
	docs      []Document
	deletes   []idkit.MessageID
	query     Query
	guildID   idkit.GuildID
	reply     chan result
}

type result struct {
	err      error
	hits     []idkit.MessageID
	upserted int
	deleted  int
	snapshot []Document
}

// Engine is the in-memory inverted index. All exported methods are safe to call from any goroutine; they
// submit a command and block on its reply, which is what serializes every mutation and query through the
// single background worker.
type Engine struct {
	cmds   chan command
	stop   chan struct{}
	done   chan struct{}
	closed atomic.Bool
	log    zerolog.Logger

	// Owned exclusively by run(); never touched outside that goroutine.
	docs     map[idkit.MessageID]Document
	postings map[string]map[idkit.MessageID]struct{}
}

// NewEngine creates an Engine and starts its single writer goroutine. Call Close to stop it.
func NewEngine(logger zerolog.Logger) *Engine {
	e := &Engine{
		cmds:     make(chan command, filconst.SearchIndexQueueCapacity),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		log:      logger,
		docs:     make(map[idkit.MessageID]Document),
		postings: make(map[string]map[idkit.MessageID]struct{}),
	}
	go e.run()
	return e
}

// Close stops the writer goroutine and waits for it to drain its already-enqueued commands. Safe to call
// more than once. cmds is deliberately never closed — submit's closed.Load() check (raced against
// CompareAndSwap here) is what stops new sends, avoiding a send-on-closed-channel panic from a concurrent
// caller.
func (e *Engine) Close() {
	if e.closed.CompareAndSwap(false, true) {
		close(e.stop)
	}
	<-e.done
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case cmd := <-e.cmds:
			e.applyBatch(cmd)
		case <-e.stop:
			e.drain()
			return
		}
	}
}

// drain applies whatever commands are already sitting in the channel after a stop signal, so a caller
// racing Close() with a just-admitted submit still gets a reply instead of hanging forever.
func (e *Engine) drain() {
	for {
		select {
		case cmd := <-e.cmds:
			e.apply(cmd)
		default:
			return
		}
	}
}

// applyBatch processes cmd and, opportunistically, up to filconst.SearchWorkerBatchLimit-1 more commands
// already waiting in the channel, matching the worker's "batched apply" description — commands are still
// applied one at a time and acked individually, but a burst of writers doesn't force one channel receive
// per command.
func (e *Engine) applyBatch(first command) {
	e.apply(first)
	for n := 1; n < filconst.SearchWorkerBatchLimit; n++ {
		select {
		case cmd := <-e.cmds:
			e.apply(cmd)
		default:
			return
		}
	}
}

func (e *Engine) apply(cmd command) {
	switch cmd.kind {
	case cmdUpsert:
		e.upsertLocal(cmd.doc)
		cmd.reply <- result{}
	case cmdDelete:
		e.deleteLocal(cmd.messageID)
		cmd.reply <- result{}
	case cmdRebuild:
		e.docs = make(map[idkit.MessageID]Document, len(cmd.docs))
		e.postings = make(map[string]map[idkit.MessageID]struct{})
		for _, d := range cmd.docs {
			e.upsertLocal(d)
		}
		cmd.reply <- result{}
	case cmdReconcile:
		for _, d := range cmd.docs {
			e.upsertLocal(d)
		}
		for _, id := range cmd.deletes {
			e.deleteLocal(id)
		}
		e.log.Debug().Int("upserted", len(cmd.docs)).Int("deleted", len(cmd.deletes)).Msg("search index reconciled")
		cmd.reply <- result{upserted: len(cmd.docs), deleted: len(cmd.deletes)}
	case cmdQuery:
		hits := e.search(cmd.query)
		cmd.reply <- result{hits: hits}
	case cmdSnapshot:
		var snap []Document
		for _, doc := range e.docs {
			if doc.GuildID == cmd.guildID {
				snap = append(snap, doc)
			}
		}
		cmd.reply <- result{snapshot: snap}
	}
}

func (e *Engine) upsertLocal(doc Document) {
	if old, ok := e.docs[doc.MessageID]; ok {
		for _, term := range tokenize(old.Content) {
			if set := e.postings[term]; set != nil {
				delete(set, doc.MessageID)
				if len(set) == 0 {
					delete(e.postings, term)
				}
			}
		}
	}
	e.docs[doc.MessageID] = doc
	for _, term := range tokenize(doc.Content) {
		set, ok := e.postings[term]
		if !ok {
			set = make(map[idkit.MessageID]struct{})
			e.postings[term] = set
		}
		set[doc.MessageID] = struct{}{}
	}
}

func (e *Engine) deleteLocal(id idkit.MessageID) {
	doc, ok := e.docs[id]
	if !ok {
		return
	}
	for _, term := range tokenize(doc.Content) {
		if set := e.postings[term]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(e.postings, term)
			}
		}
	}
	delete(e.docs, id)
}

func (e *Engine) submit(ctx context.Context, cmd command) (result, error) {
	if e.closed.Load() {
		return result{}, ErrEngineClosed
	}
	cmd.reply = make(chan result, 1)
	select {
	case e.cmds <- cmd:
	case <-ctx.Done():
		return result{}, ctx.Err()
	default:
		select {
		case e.cmds <- cmd:
		case <-ctx.Done():
			return result{}, ctx.Err()
		case <-time.After(filconst.SearchQueryTimeout):
			e.log.Warn().Msg("search index command queue full, dropping caller")
			return result{}, ErrQueueFull
		}
	}
	select {
	case r := <-cmd.reply:
		return r, r.err
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// Upsert indexes or reindexes doc. Satisfies message.SearchIndexer.
func (e *Engine) Upsert(ctx context.Context, doc message.SearchDocument) error {
	_, err := e.submit(ctx, command{kind: cmdUpsert, doc: doc})
	return err
}

// Delete removes messageID from the index. Satisfies message.SearchIndexer.
func (e *Engine) Delete(ctx context.Context, messageID idkit.MessageID) error {
	_, err := e.submit(ctx, command{kind: cmdDelete, messageID: messageID})
	return err
}

// Rebuild atomically discards all indexed state and replaces it with docs.
func (e *Engine) Rebuild(ctx context.Context, docs []Document) error {
	_, err := e.submit(ctx, command{kind: cmdRebuild, docs: docs})
	return err
}

// Reconcile atomically applies a symmetric-diff repair: upsert every doc in upserts, then delete every ID
// in deletes. Returns the counts applied.
func (e *Engine) Reconcile(ctx context.Context, upserts []Document, deletes []idkit.MessageID) (upserted, deleted int, err error) {
	r, err := e.submit(ctx, command{kind: cmdReconcile, docs: upserts, deletes: deletes})
	if err != nil {
		return 0, 0, err
	}
	return r.upserted, r.deleted, nil
}

// Search parses and validates raw, then executes it, returning matching message IDs ordered by score then
// reverse-chronological. queryMaxChars/resultLimitMax come from configuration (search_query_max_chars,
// search_result_limit_max); callers without a live config value may pass filconst's defaults.
func (e *Engine) Search(ctx context.Context, raw string, guildID idkit.GuildID, channelID *idkit.ChannelID, authorID *idkit.UserID, before, after int64, limit, queryMaxChars, resultLimitMax int) ([]idkit.MessageID, error) {
	q, err := NewQuery(raw, guildID, channelID, authorID, before, after, limit, queryMaxChars, resultLimitMax)
	if err != nil {
		return nil, err
	}
	r, err := e.submit(ctx, command{kind: cmdQuery, query: q})
	if err != nil {
		return nil, err
	}
	return r.hits, nil
}

// SnapshotGuild returns every currently-indexed document for guildID, used by the reconciler to compute
// "indexed" without reaching into the engine's internal maps from another goroutine.
func (e *Engine) SnapshotGuild(ctx context.Context, guildID idkit.GuildID) ([]Document, error) {
	r, err := e.submit(ctx, command{kind: cmdSnapshot, guildID: guildID})
	if err != nil {
		return nil, err
	}
	return r.snapshot, nil
}

// search resolves each query term against the postings index (an exact term looks up its single bucket; a
// wildcard/fuzzy term scans the postings keys for matches and unions their buckets), then unions the
// buckets across terms, scoring each matching document by how many terms it satisfied, before applying the
// guild/channel/author/time filters.
func (e *Engine) search(q Query) []idkit.MessageID {
	candidates := make(map[idkit.MessageID]int)
	for _, t := range q.Terms {
		for id, score := range e.termBucket(t) {
			candidates[id] += score
		}
	}

	type scored struct {
		id    idkit.MessageID
		score int
	}
	filtered := make([]scored, 0, len(candidates))
	for id, score := range candidates {
		doc, ok := e.docs[id]
		if !ok {
			continue
		}
		if !q.GuildID.IsNil() && doc.GuildID != q.GuildID {
			continue
		}
		if q.ChannelID != nil && doc.ChannelID != *q.ChannelID {
			continue
		}
		if q.AuthorID != nil && doc.AuthorID != *q.AuthorID {
			continue
		}
		if q.Before != 0 && doc.CreatedAtUnix >= q.Before {
			continue
		}
		if q.After != 0 && doc.CreatedAtUnix <= q.After {
			continue
		}
		filtered = append(filtered, scored{id, score})
	}

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].score != filtered[j].score {
			return filtered[i].score > filtered[j].score
		}
		return e.docs[filtered[i].id].CreatedAtUnix > e.docs[filtered[j].id].CreatedAtUnix
	})

	limit := q.Limit
	if limit <= 0 || limit > len(filtered) {
		limit = len(filtered)
	}
	hits := make([]idkit.MessageID, limit)
	for i := 0; i < limit; i++ {
		hits[i] = filtered[i].id
	}
	return hits
}

// termBucket returns, for a single query term, every matching message ID mapped to how many postings
// entries matched it (1 for an exact term; potentially more for wildcard/fuzzy terms matching several
// distinct indexed words).
func (e *Engine) termBucket(t term) map[idkit.MessageID]int {
	bucket := make(map[idkit.MessageID]int)
	if !t.wildcard && !t.fuzzy {
		for id := range e.postings[t.text] {
			bucket[id]++
		}
		return bucket
	}
	for postingTerm, ids := range e.postings {
		if !t.matches(postingTerm) {
			continue
		}
		for id := range ids {
			bucket[id]++
		}
	}
	return bucket
}
