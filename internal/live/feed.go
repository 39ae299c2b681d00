package live

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/eventdesk/livesync/internal/conn"
	"github.com/eventdesk/livesync/internal/dispatch"
	"github.com/eventdesk/livesync/internal/protocol"
	"github.com/eventdesk/livesync/internal/reconcile"
	"github.com/eventdesk/livesync/internal/rest"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by Refresh on a closed feed.
var ErrClosed = errors.New("feed closed")

// FeedOption configures a Feed.
type FeedOption[T any] func(*Feed[T])

// Where keeps only records for which keep is true. Use it to mirror a
// server-side filter in the query, so a pushed record that no longer matches
// leaves the feed.
func Where[T any](keep func(T) bool) FeedOption[T] {
	return func(f *Feed[T]) { f.keep = keep }
}

// Feed is one live collection owned by one consumer.
type Feed[T any] struct {
	res    Resource[T]
	client *rest.Client
	query  url.Values
	keep   func(T) bool
	store  *reconcile.Store[T]
	scope  *dispatch.Scope
	logger zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	unwatch func()

	mu        sync.Mutex
	gen       uint64
	closed    bool
	listeners []func()
}

// Open subscribes to res's topics and then fetches the first snapshot, so no
// delta pushed during the fetch is lost. The returned feed is live even when
// the fetch fails; the error is the fetch error and Refresh may be retried.
//
// The feed refetches each time the channel becomes Connected again, since
// pushes sent while it was down, or addressed to a previous identity, were
// never applied.
func Open[T any](ctx context.Context, h *Hub, res Resource[T], query url.Values, opts ...FeedOption[T]) (*Feed[T], error) {
	var storeOpts []reconcile.Option[T]
	if res.Less != nil {
		storeOpts = append(storeOpts, reconcile.WithOrder(res.Less))
	}

	f := &Feed[T]{
		res:    res,
		client: h.client,
		query:  query,
		store:  reconcile.New(res.ID, res.Version, storeOpts...),
		scope:  h.dispatcher.Scope(),
		logger: h.logger.With().Str("feed", res.Name).Logger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.ctx, f.cancel = context.WithCancel(context.Background())

	for _, route := range res.Routes {
		f.scope.Subscribe(route.Topic, f.handler(route))
	}
	f.unwatch = h.conn.Watch(func(s conn.State) {
		if s.Phase == conn.Connected {
			go f.resync()
		}
	})

	return f, f.Refresh(ctx)
}

// Refresh fetches a fresh snapshot and seeds the store with it. On failure
// the previous contents are kept. A snapshot that arrives after Close, or
// after a later refresh has already landed, is discarded.
func (f *Feed[T]) Refresh(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	gen := f.gen
	f.mu.Unlock()

	ticket := f.store.BeginFetch()
	records, err := rest.FetchSnapshot[T](ctx, f.client, f.res.Path, f.query)
	if err != nil {
		f.store.Abandon(ticket)
		f.logger.Warn().Err(err).Msg("snapshot fetch failed")
		return err
	}

	if f.keep != nil {
		kept := records[:0:0]
		for _, r := range records {
			if f.keep(r) {
				kept = append(kept, r)
			}
		}
		records = kept
	}

	f.mu.Lock()
	stale := f.closed || gen != f.gen
	f.mu.Unlock()
	if stale {
		f.store.Abandon(ticket)
		f.logger.Debug().Msg("discarding snapshot for closed feed")
		return nil
	}

	if !f.store.Seed(ticket, records) {
		f.logger.Debug().Uint64("ticket", uint64(ticket)).Msg("discarding superseded snapshot")
	}
	return nil
}

// Items returns the current records in display order.
func (f *Feed[T]) Items() []T { return f.store.Items() }

// Get returns the record stored under id.
func (f *Feed[T]) Get(id string) (T, bool) { return f.store.Get(id) }

// Len returns the number of records.
func (f *Feed[T]) Len() int { return f.store.Len() }

// Subscribe registers l for every effective change. All listeners are
// dropped on Close.
func (f *Feed[T]) Subscribe(l reconcile.Listener) (cancel func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return func() {}
	}
	cancel = f.store.Subscribe(l)
	f.listeners = append(f.listeners, cancel)
	return cancel
}

// Close releases the feed's channel subscriptions and listeners. The shared
// connection is not affected. Close is idempotent.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.gen++
	cancels := f.listeners
	f.listeners = nil
	f.mu.Unlock()

	f.unwatch()
	f.cancel()
	f.scope.Close()
	for _, cancel := range cancels {
		cancel()
	}
}

func (f *Feed[T]) resync() {
	if err := f.Refresh(f.ctx); err == nil {
		f.logger.Debug().Msg("resynced after reconnect")
	}
}

// apply merges a delta produced locally or by a route.
func (f *Feed[T]) apply(d Delta[T]) bool {
	if d.Remove {
		return f.store.ApplyRemoval(d.ID)
	}
	if f.keep != nil && !f.keep(d.Record) {
		// An older copy that no longer matches must not evict a newer one.
		if v, ok := f.store.Version(d.ID); ok && d.Version < v {
			return false
		}
		return f.store.ApplyRemoval(d.ID)
	}
	return f.store.ApplyUpsert(d.ID, d.Record, d.Version)
}

func (f *Feed[T]) handler(route Route[T]) dispatch.Handler {
	return func(env protocol.Envelope) error {
		d, ok := route.Apply(env.Message)
		if !ok {
			return fmt.Errorf("%s: unexpected %T on %s", f.res.Name, env.Message, env.Topic)
		}
		if d.ID == "" {
			return fmt.Errorf("%s: %s record without id", f.res.Name, env.Topic)
		}
		f.apply(d)
		return nil
	}
}
