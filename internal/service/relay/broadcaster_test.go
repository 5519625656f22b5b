package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
)

func TestBroadcasterJoinReplaysHistory(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	session := createSession(t, store, "alice")
	b := NewBroadcaster(store, nil)

	_, err := b.Append(ctx, session.ID, chat.RoleUser, chat.KindText, "hello")
	require.NoError(t, err)
	_, err = b.Append(ctx, session.ID, chat.RoleAssistant, chat.KindText, "hi there")
	require.NoError(t, err)

	l := newRecorder("l1")
	require.NoError(t, b.Join(ctx, session.ID, l))

	events := l.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, chat.EventHistory, events[0].Type)
	require.Len(t, events[0].Messages, 2)
	require.Equal(t, "hello", events[0].Messages[0].Content)
	require.Equal(t, "hi there", events[0].Messages[1].Content)
	require.Equal(t, 1, b.ListenerCount(session.ID))
}

func TestBroadcasterJoinEmptySessionGetsEmptyHistory(t *testing.T) {
	store := newStore(t)
	session := createSession(t, store, "alice")
	b := NewBroadcaster(store, nil)

	l := newRecorder("l1")
	require.NoError(t, b.Join(context.Background(), session.ID, l))

	events := l.snapshot()
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Messages)
	require.Empty(t, events[0].Messages)
}

func TestBroadcasterFansOutInCommitOrder(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	session := createSession(t, store, "alice")
	b := NewBroadcaster(store, nil)

	first, second := newRecorder("a"), newRecorder("b")
	require.NoError(t, b.Join(ctx, session.ID, first))
	require.NoError(t, b.Join(ctx, session.ID, second))

	for i := 0; i < 5; i++ {
		_, err := b.Append(ctx, session.ID, chat.RoleUser, chat.KindText, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	for _, l := range []*recorder{first, second} {
		got := l.appended()
		require.Len(t, got, 5)
		for i, msg := range got {
			require.Equal(t, int64(i+1), msg.Seq)
			require.Equal(t, fmt.Sprintf("m%d", i), msg.Content)
		}
	}
}

func TestBroadcasterJoinDuringAppendsNeitherDuplicatesNorDrops(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	session := createSession(t, store, "alice")
	b := NewBroadcaster(store, nil)

	const total = 200
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			if _, err := b.Append(ctx, session.ID, chat.RoleUser, chat.KindText, fmt.Sprintf("m%d", i)); err != nil {
				t.Errorf("append %d: %v", i, err)
				return
			}
		}
	}()

	listeners := make([]*recorder, 8)
	for i := range listeners {
		listeners[i] = newRecorder(fmt.Sprintf("l%d", i))
		require.NoError(t, b.Join(ctx, session.ID, listeners[i]))
	}
	wg.Wait()

	for _, l := range listeners {
		events := l.snapshot()
		require.NotEmpty(t, events)
		require.Equal(t, chat.EventHistory, events[0].Type)

		var seqs []int64
		for _, msg := range events[0].Messages {
			seqs = append(seqs, msg.Seq)
		}
		for _, msg := range l.appended() {
			seqs = append(seqs, msg.Seq)
		}
		require.Len(t, seqs, total, "listener %s", l.ID())
		for i, seq := range seqs {
			require.Equal(t, int64(i+1), seq, "listener %s", l.ID())
		}
	}
}

func TestBroadcasterSwitchingSessionStopsOldEvents(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	first := createSession(t, store, "alice")
	second := createSession(t, store, "alice")
	b := NewBroadcaster(store, nil)

	l := newRecorder("l1")
	require.NoError(t, b.Join(ctx, first.ID, l))
	require.NoError(t, b.Join(ctx, second.ID, l))

	current, ok := b.SessionOf(l.ID())
	require.True(t, ok)
	require.Equal(t, second.ID, current)
	require.Equal(t, 0, b.ListenerCount(first.ID))

	_, err := b.Append(ctx, first.ID, chat.RoleUser, chat.KindText, "not for you")
	require.NoError(t, err)
	_, err = b.Append(ctx, second.ID, chat.RoleUser, chat.KindText, "for you")
	require.NoError(t, err)

	got := l.appended()
	require.Len(t, got, 1)
	require.Equal(t, second.ID, got[0].SessionID)
	require.Equal(t, "for you", got[0].Content)
}

func TestBroadcasterLeaveAndDisconnect(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	session := createSession(t, store, "alice")
	b := NewBroadcaster(store, nil)

	l := newRecorder("l1")
	require.NoError(t, b.Join(ctx, session.ID, l))
	b.Leave(session.ID, l)
	b.Leave(session.ID, l)

	_, ok := b.SessionOf(l.ID())
	require.False(t, ok)
	require.Equal(t, 0, b.ListenerCount(session.ID))

	require.NoError(t, b.Join(ctx, session.ID, l))
	b.Disconnect(l)
	b.Disconnect(l)

	_, err := b.Append(ctx, session.ID, chat.RoleUser, chat.KindText, "after")
	require.NoError(t, err)
	require.Empty(t, l.appended())

	b.mu.Lock()
	defer b.mu.Unlock()
	require.Empty(t, b.groups, "empty groups are released")
}

func TestBroadcasterEvictsFailingListener(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	session := createSession(t, store, "alice")
	b := NewBroadcaster(store, nil)

	healthy, broken := newRecorder("healthy"), newRecorder("broken")
	require.NoError(t, b.Join(ctx, session.ID, healthy))
	require.NoError(t, b.Join(ctx, session.ID, broken))
	broken.breakWith(ErrListenerGone)

	_, err := b.Append(ctx, session.ID, chat.RoleUser, chat.KindText, "one")
	require.NoError(t, err)
	_, err = b.Append(ctx, session.ID, chat.RoleUser, chat.KindText, "two")
	require.NoError(t, err)

	require.Len(t, healthy.appended(), 2)
	require.Equal(t, 1, b.ListenerCount(session.ID))
	_, ok := b.SessionOf(broken.ID())
	require.False(t, ok)
}

func TestBroadcasterJoinFailsWhenHistoryCannotBeDelivered(t *testing.T) {
	store := newStore(t)
	session := createSession(t, store, "alice")
	b := NewBroadcaster(store, nil)

	l := newRecorder("l1")
	l.breakWith(errors.New("closed"))
	require.Error(t, b.Join(context.Background(), session.ID, l))

	_, ok := b.SessionOf(l.ID())
	require.False(t, ok)
	require.Equal(t, 0, b.ListenerCount(session.ID))
}

func TestBroadcasterFailedRejoinLeavesNoMember(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	session := createSession(t, store, "alice")
	b := NewBroadcaster(store, nil)

	l := newRecorder("l1")
	require.NoError(t, b.Join(ctx, session.ID, l))
	require.Equal(t, 1, b.ListenerCount(session.ID))

	l.breakWith(errors.New("closed"))
	require.Error(t, b.Join(ctx, session.ID, l))

	_, ok := b.SessionOf(l.ID())
	require.False(t, ok)
	require.Equal(t, 0, b.ListenerCount(session.ID))

	b.mu.Lock()
	defer b.mu.Unlock()
	require.Empty(t, b.groups)
}

func TestBroadcasterAppendToUnknownSessionPublishesNothing(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	b := NewBroadcaster(store, nil)

	_, err := b.Append(ctx, "missing", chat.RoleUser, chat.KindText, "hello")
	require.Error(t, err)

	b.mu.Lock()
	defer b.mu.Unlock()
	require.Empty(t, b.groups)
}

func TestBroadcasterDisbandNotifiesMembers(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	session := createSession(t, store, "alice")
	b := NewBroadcaster(store, nil)

	l := newRecorder("l1")
	require.NoError(t, b.Join(ctx, session.ID, l))
	b.Disband(session.ID)

	events := l.snapshot()
	require.Equal(t, chat.EventSessionClosed, events[len(events)-1].Type)
	require.Equal(t, 0, b.ListenerCount(session.ID))
	_, ok := b.SessionOf(l.ID())
	require.False(t, ok)
}
