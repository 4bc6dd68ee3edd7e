package services

import (
	"context"
	"testing"
	"time"

	"watchsync/internal/core/domain"
	apperrors "watchsync/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func joinRegistered(t *testing.T, room *Room, id string) {
	t.Helper()
	join(t, room, id, &domain.User{ID: domain.UserID("u-" + id), Username: id}, domain.RoleRegisteredUser)
}

func TestUndoAddRemovesQueuedVideo(t *testing.T) {
	room := newTestRoom(t, &domain.RoomState{}, testRoomConfig())
	joinRegistered(t, room, "alice")

	current := video("current", 100)
	v1 := video("v1", 100)
	process(t, room, &domain.AddRequest{RequestBase: base("alice"), Video: &current})
	ev := process(t, room, &domain.AddRequest{RequestBase: base("alice"), Video: &v1})

	process(t, room, &domain.UndoRequest{RequestBase: base("alice"), EventID: ev.ID})

	snap := room.Snapshot()
	assert.Empty(t, snap.State.Queue)
	require.NotNil(t, snap.State.CurrentSource)
	assert.Equal(t, current.ID, snap.State.CurrentSource.ID)
}

func TestUndoSkipRestoresPlayer(t *testing.T) {
	room := newTestRoom(t, &domain.RoomState{}, testRoomConfig())
	joinRegistered(t, room, "alice")

	v1 := video("v1", 100)
	v2 := video("v2", 100)
	process(t, room, &domain.AddRequest{RequestBase: base("alice"), Video: &v1})
	process(t, room, &domain.AddRequest{RequestBase: base("alice"), Video: &v2})
	process(t, room, &domain.SeekRequest{RequestBase: base("alice"), Position: 30})

	ev := process(t, room, &domain.SkipRequest{RequestBase: base("alice")})
	require.Equal(t, v2.ID, room.Snapshot().State.CurrentSource.ID)

	process(t, room, &domain.UndoRequest{RequestBase: base("alice"), EventID: ev.ID})

	snap := room.Snapshot()
	require.NotNil(t, snap.State.CurrentSource)
	assert.Equal(t, v1.ID, snap.State.CurrentSource.ID)
	assert.Equal(t, float64(30), snap.PlaybackPosition)
	require.Len(t, snap.State.Queue, 1)
	assert.Equal(t, v2.ID, snap.State.Queue[0].ID)
}

func TestUndoRemoveOfPlayingVideoRestoresPlayer(t *testing.T) {
	room := newTestRoom(t, &domain.RoomState{}, testRoomConfig())
	joinRegistered(t, room, "alice")
	join(t, room, "trusted", &domain.User{ID: "u-trusted", Username: "trusted"}, domain.RoleTrustedUser)

	v1 := video("v1", 100)
	v2 := video("v2", 100)
	process(t, room, &domain.AddRequest{RequestBase: base("alice"), Video: &v1})
	process(t, room, &domain.AddRequest{RequestBase: base("alice"), Video: &v2})

	// Removing the playing video acts as a skip and must invert like one.
	ev := process(t, room, &domain.RemoveRequest{RequestBase: base("trusted"), Video: v1.ID})
	require.Equal(t, v2.ID, room.Snapshot().State.CurrentSource.ID)

	process(t, room, &domain.UndoRequest{RequestBase: base("trusted"), EventID: ev.ID})

	snap := room.Snapshot()
	require.NotNil(t, snap.State.CurrentSource)
	assert.Equal(t, v1.ID, snap.State.CurrentSource.ID)
	require.Len(t, snap.State.Queue, 1)
	assert.Equal(t, v2.ID, snap.State.Queue[0].ID)
}

func TestUndoRemoveReinsertsAtOriginalIndex(t *testing.T) {
	room := newTestRoom(t, &domain.RoomState{}, testRoomConfig())
	join(t, room, "trusted", &domain.User{ID: "u-trusted", Username: "trusted"}, domain.RoleTrustedUser)

	current := video("current", 100)
	v1 := video("v1", 100)
	v2 := video("v2", 100)
	v3 := video("v3", 100)
	for _, v := range []*domain.Video{&current, &v1, &v2, &v3} {
		process(t, room, &domain.AddRequest{RequestBase: base("trusted"), Video: v})
	}

	ev := process(t, room, &domain.RemoveRequest{RequestBase: base("trusted"), Video: v2.ID})
	process(t, room, &domain.UndoRequest{RequestBase: base("trusted"), EventID: ev.ID})

	snap := room.Snapshot()
	require.Len(t, snap.State.Queue, 3)
	assert.Equal(t, v2.ID, snap.State.Queue[1].ID)
}

func TestUndoRejectsExpiredEvents(t *testing.T) {
	cfg := testRoomConfig()
	cfg.UndoWindow = time.Nanosecond
	room := newTestRoom(t, &domain.RoomState{}, cfg)
	joinRegistered(t, room, "alice")

	current := video("current", 100)
	v1 := video("v1", 100)
	process(t, room, &domain.AddRequest{RequestBase: base("alice"), Video: &current})
	ev := process(t, room, &domain.AddRequest{RequestBase: base("alice"), Video: &v1})

	_, err := room.Process(context.Background(), &domain.UndoRequest{RequestBase: base("alice"), EventID: ev.ID})
	assert.Equal(t, apperrors.ErrCodeInvalidOperation, apperrors.CodeOf(err))
	assert.Len(t, room.Snapshot().State.Queue, 1)
}

func TestUndoHistoryIsBounded(t *testing.T) {
	cfg := testRoomConfig()
	cfg.UndoDepth = 2
	room := newTestRoom(t, &domain.RoomState{}, cfg)
	joinRegistered(t, room, "alice")

	current := video("current", 100)
	evicted := process(t, room, &domain.AddRequest{RequestBase: base("alice"), Video: &current})
	process(t, room, &domain.SeekRequest{RequestBase: base("alice"), Position: 10})
	process(t, room, &domain.SeekRequest{RequestBase: base("alice"), Position: 20})

	_, err := room.Process(context.Background(), &domain.UndoRequest{RequestBase: base("alice"), EventID: evicted.ID})
	assert.Equal(t, apperrors.ErrCodeInvalidOperation, apperrors.CodeOf(err))
}

func TestUndoConsumedOnlyOnce(t *testing.T) {
	room := newTestRoom(t, &domain.RoomState{}, testRoomConfig())
	joinRegistered(t, room, "alice")

	current := video("current", 100)
	v1 := video("v1", 100)
	process(t, room, &domain.AddRequest{RequestBase: base("alice"), Video: &current})
	ev := process(t, room, &domain.AddRequest{RequestBase: base("alice"), Video: &v1})

	process(t, room, &domain.UndoRequest{RequestBase: base("alice"), EventID: ev.ID})
	_, err := room.Process(context.Background(), &domain.UndoRequest{RequestBase: base("alice"), EventID: ev.ID})
	assert.Equal(t, apperrors.ErrCodeInvalidOperation, apperrors.CodeOf(err))
}

func TestUndoSeekFailsAfterPlayerMovedOn(t *testing.T) {
	room := newTestRoom(t, &domain.RoomState{}, testRoomConfig())
	joinRegistered(t, room, "alice")

	v1 := video("v1", 100)
	process(t, room, &domain.AddRequest{RequestBase: base("alice"), Video: &v1})
	ev := process(t, room, &domain.SeekRequest{RequestBase: base("alice"), Position: 50})

	process(t, room, &domain.SkipRequest{RequestBase: base("alice")})

	// The player moved on, so the seek can no longer be rewound.
	_, err := room.Process(context.Background(), &domain.UndoRequest{RequestBase: base("alice"), EventID: ev.ID})
	assert.Equal(t, apperrors.ErrCodeInvalidOperation, apperrors.CodeOf(err))
}
