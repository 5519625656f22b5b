package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/chatrelay/backend/internal/service/chat"
)

// ErrListenerGone is returned by listeners whose connection is already closed.
var ErrListenerGone = errors.New("listener gone")

// Listener is one client connection currently viewing a session.
type Listener interface {
	ID() string
	// Deliver hands an event to the connection. It must not block; an error
	// evicts the listener from its group.
	Deliver(event chat.Event) error
}

// Broadcaster owns the per-session broadcast groups. Membership changes,
// appends and publishes for one session are serialized by that session's
// group lock; different sessions only share the short registry lock.
//
// Lock order is Broadcaster.mu before group.mu, and group.mu is never held
// while acquiring Broadcaster.mu.
type Broadcaster struct {
	store  chatservice.MessageStore
	logger *zap.Logger

	mu      sync.Mutex
	groups  map[string]*group
	members map[string]string
}

type group struct {
	sessionID string
	refs      int // guarded by Broadcaster.mu
	size      atomic.Int32

	mu        sync.Mutex
	listeners map[string]Listener
}

// NewBroadcaster creates a broadcaster reading history from and appending to store.
func NewBroadcaster(store chatservice.MessageStore, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		store:   store,
		logger:  logger,
		groups:  make(map[string]*group),
		members: make(map[string]string),
	}
}

func (b *Broadcaster) acquire(sessionID string, create bool) *group {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[sessionID]
	if !ok {
		if !create {
			return nil
		}
		g = &group{sessionID: sessionID, listeners: make(map[string]Listener)}
		b.groups[sessionID] = g
	}
	g.refs++
	return g
}

func (b *Broadcaster) release(g *group) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g.refs--
	if g.refs == 0 && g.size.Load() == 0 && b.groups[g.sessionID] == g {
		delete(b.groups, g.sessionID)
	}
}

// Join subscribes l to sessionID and replays the stored transcript to it alone.
// The snapshot and the subscription happen under the group lock, so a message
// committed concurrently is either in the history or delivered afterwards,
// never both and never neither. A listener belongs to one group at a time:
// joining a new session removes it from the previous one.
func (b *Broadcaster) Join(ctx context.Context, sessionID string, l Listener) error {
	b.mu.Lock()
	previous, had := b.members[l.ID()]
	b.members[l.ID()] = sessionID
	b.mu.Unlock()

	if had && previous != sessionID {
		b.unsubscribe(previous, l.ID())
		b.logger.Debug("listener switched session",
			zap.String("listener", l.ID()),
			zap.String("from", previous),
			zap.String("to", sessionID),
		)
	}

	g := b.acquire(sessionID, true)
	err := b.subscribe(ctx, g, l)
	b.release(g)

	if err != nil {
		b.forget(sessionID, l.ID())
		return err
	}
	return nil
}

func (b *Broadcaster) subscribe(ctx context.Context, g *group, l Listener) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	history, err := b.store.ListMessages(ctx, g.sessionID)
	if err == nil {
		if derr := l.Deliver(chat.HistoryEvent(g.sessionID, history)); derr != nil {
			err = fmt.Errorf("deliver history: %w", derr)
		}
	}
	// A failed rejoin must not leave a member whose record Join is about to forget.
	if err != nil {
		delete(g.listeners, l.ID())
	} else {
		g.listeners[l.ID()] = l
	}
	g.size.Store(int32(len(g.listeners)))
	return err
}

// Leave removes l from sessionID's group. Leaving twice is harmless.
func (b *Broadcaster) Leave(sessionID string, l Listener) {
	b.forget(sessionID, l.ID())
	b.unsubscribe(sessionID, l.ID())
}

// Disconnect removes l from whatever group it currently belongs to.
func (b *Broadcaster) Disconnect(l Listener) {
	b.mu.Lock()
	sessionID, ok := b.members[l.ID()]
	delete(b.members, l.ID())
	b.mu.Unlock()

	if ok {
		b.unsubscribe(sessionID, l.ID())
	}
}

// SessionOf reports the session listenerID is currently subscribed to.
func (b *Broadcaster) SessionOf(listenerID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sessionID, ok := b.members[listenerID]
	return sessionID, ok
}

// ListenerCount returns the size of sessionID's group.
func (b *Broadcaster) ListenerCount(sessionID string) int {
	g := b.acquire(sessionID, false)
	if g == nil {
		return 0
	}
	defer b.release(g)
	return int(g.size.Load())
}

// Append stores a message and fans it out while holding the group lock, so
// every append+publish pair is atomic with respect to joins and other appends
// on the same session.
func (b *Broadcaster) Append(ctx context.Context, sessionID string, role chat.Role, kind chat.Kind, content string) (chat.Message, error) {
	g := b.acquire(sessionID, true)
	defer b.release(g)

	g.mu.Lock()
	msg, err := b.store.AppendMessage(ctx, sessionID, role, kind, content)
	if err != nil {
		g.mu.Unlock()
		return chat.Message{}, err
	}
	evicted := b.publishLocked(g, chat.AppendedEvent(msg))
	g.mu.Unlock()

	b.forgetAll(sessionID, evicted)
	return msg, nil
}

// Publish delivers event to every current member of sessionID's group.
func (b *Broadcaster) Publish(sessionID string, event chat.Event) {
	g := b.acquire(sessionID, false)
	if g == nil {
		return
	}
	defer b.release(g)

	g.mu.Lock()
	evicted := b.publishLocked(g, event)
	g.mu.Unlock()

	b.forgetAll(sessionID, evicted)
}

// Disband sends the closed notice to every member and empties the group.
func (b *Broadcaster) Disband(sessionID string) {
	g := b.acquire(sessionID, false)
	if g == nil {
		return
	}
	defer b.release(g)

	g.mu.Lock()
	event := chat.ClosedEvent(sessionID)
	ids := make([]string, 0, len(g.listeners))
	for id, l := range g.listeners {
		if err := l.Deliver(event); err != nil {
			b.logger.Debug("closed notice not delivered", zap.String("listener", id), zap.Error(err))
		}
		ids = append(ids, id)
	}
	clear(g.listeners)
	g.size.Store(0)
	g.mu.Unlock()

	b.forgetAll(sessionID, ids)
}

// publishLocked isolates per-listener failures: a listener that cannot take
// the event is dropped from the group and the rest still receive it.
func (b *Broadcaster) publishLocked(g *group, event chat.Event) []string {
	var evicted []string
	for id, l := range g.listeners {
		if err := l.Deliver(event); err != nil {
			b.logger.Warn("evicting listener",
				zap.String("session", g.sessionID),
				zap.String("listener", id),
				zap.Error(err),
			)
			delete(g.listeners, id)
			evicted = append(evicted, id)
		}
	}
	if len(evicted) > 0 {
		g.size.Store(int32(len(g.listeners)))
	}
	return evicted
}

func (b *Broadcaster) unsubscribe(sessionID, listenerID string) {
	g := b.acquire(sessionID, false)
	if g == nil {
		return
	}
	g.mu.Lock()
	delete(g.listeners, listenerID)
	g.size.Store(int32(len(g.listeners)))
	g.mu.Unlock()
	b.release(g)
}

// forget drops the membership record if it still points at sessionID.
func (b *Broadcaster) forget(sessionID, listenerID string) {
	b.mu.Lock()
	if b.members[listenerID] == sessionID {
		delete(b.members, listenerID)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) forgetAll(sessionID string, listenerIDs []string) {
	if len(listenerIDs) == 0 {
		return
	}
	b.mu.Lock()
	for _, id := range listenerIDs {
		if b.members[id] == sessionID {
			delete(b.members, id)
		}
	}
	b.mu.Unlock()
}
