package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"watchsync/internal/core/domain"
	"watchsync/internal/core/ports"
	apperrors "watchsync/pkg/errors"
	"watchsync/pkg/retry"
	"watchsync/pkg/validation"

	"go.uber.org/zap"
)

// ManagerConfig carries the room lifecycle tunables.
type ManagerConfig struct {
	NodeID        string
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	SaveInterval  time.Duration
	Room          RoomConfig
}

// CreateRoomParams is the caller-facing shape of room creation.
type CreateRoomParams struct {
	Name        string
	Title       string
	Description string
	Visibility  domain.Visibility
	QueueMode   domain.QueueMode
	IsTemporary bool
	Owner       domain.UserID
}

// RoomManager owns every room resident on this node: creation with a
// cluster-wide name claim, lazy loading from storage, periodic saves,
// idle eviction and temporary-room teardown.
type RoomManager struct {
	cfg       ManagerConfig
	repo      ports.RoomRepository
	directory ports.RoomDirectory
	deps      RoomDeps
	logger    *zap.SugaredLogger
	metrics   ports.Metrics

	mu    sync.RWMutex
	rooms map[string]*Room

	stop    chan struct{}
	stopped chan struct{}
	saveCfg retry.Config
}

func NewRoomManager(cfg ManagerConfig, repo ports.RoomRepository, directory ports.RoomDirectory, deps RoomDeps) *RoomManager {
	m := &RoomManager{
		cfg:       cfg,
		repo:      repo,
		directory: directory,
		deps:      deps,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		rooms:     make(map[string]*Room),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
		saveCfg:   retry.DefaultConfig(),
	}
	m.deps.OnEmpty = m.onRoomEmpty
	go m.sweepLoop()
	return m
}

// NodeID identifies this node in the cluster directory.
func (m *RoomManager) NodeID() string { return m.cfg.NodeID }

// CreateRoom validates the parameters, claims the name cluster-wide and
// starts the room on this node. Racing creators for the same name see
// exactly one winner; the rest get a conflict.
func (m *RoomManager) CreateRoom(ctx context.Context, params CreateRoomParams) (*Room, error) {
	if err := validation.ValidateRoomName(params.Name); err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}
	if params.Title != "" {
		if err := validation.ValidateRoomTitle(params.Title); err != nil {
			return nil, apperrors.NewValidationError(err.Error())
		}
	}
	if params.Description != "" {
		if err := validation.ValidateRoomDescription(params.Description); err != nil {
			return nil, apperrors.NewValidationError(err.Error())
		}
	}
	if params.Visibility != "" && !params.Visibility.Valid() {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid visibility %q", params.Visibility))
	}
	if params.QueueMode != "" && !params.QueueMode.Valid() {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid queue mode %q", params.QueueMode))
	}

	if exists, err := m.repo.Exists(ctx, params.Name); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "could not check room name", 500)
	} else if exists {
		return nil, apperrors.Wrap(domain.ErrRoomNameTaken, apperrors.ErrCodeConflict,
			fmt.Sprintf("room %q already exists", params.Name), 409)
	}

	claimed, err := m.directory.Reserve(ctx, params.Name, m.cfg.NodeID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "could not reserve room name", 500)
	}
	if !claimed {
		return nil, apperrors.Wrap(domain.ErrRoomNameTaken, apperrors.ErrCodeConflict,
			fmt.Sprintf("room %q already exists", params.Name), 409)
	}

	state := &domain.RoomState{
		Name:        params.Name,
		Title:       params.Title,
		Description: params.Description,
		Visibility:  params.Visibility,
		QueueMode:   params.QueueMode,
		IsTemporary: params.IsTemporary,
		Owner:       params.Owner,
		Grants:      domain.DefaultGrants(),
	}
	if state.Title == "" {
		state.Title = params.Name
	}

	room := NewRoom(state, m.cfg.Room, m.deps)

	m.mu.Lock()
	m.rooms[params.Name] = room
	n := len(m.rooms)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SetRoomsResident(n)
	}

	if !params.IsTemporary {
		if err := m.save(ctx, room); err != nil {
			m.logger.Errorw("failed to persist new room", "room", params.Name, "error", err)
		}
	}

	m.logger.Infow("room created",
		"room", params.Name,
		"temporary", params.IsTemporary,
		"visibility", string(room.Snapshot().State.Visibility),
	)
	return room, nil
}

// GetRoom returns the room if it is resident here, loading it from
// storage when no other node holds it. A room resident elsewhere comes
// back as ("", nodeID) in ownerNode with a nil room.
func (m *RoomManager) GetRoom(ctx context.Context, name string) (*Room, string, error) {
	m.mu.RLock()
	room, ok := m.rooms[name]
	m.mu.RUnlock()
	if ok {
		return room, "", nil
	}

	// Claim residency before loading so two nodes never both host the
	// same room.
	claimed, err := m.directory.Reserve(ctx, name, m.cfg.NodeID)
	if err != nil {
		return nil, "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "could not claim room", 500)
	}
	if !claimed {
		owner, err := m.directory.Owner(ctx, name)
		if err != nil {
			return nil, "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "could not locate room", 500)
		}
		if owner == "" || owner == m.cfg.NodeID {
			// The claim lapsed between the failed reserve and the
			// lookup. One more attempt, then give up.
			if claimed, err = m.directory.Reserve(ctx, name, m.cfg.NodeID); err != nil || !claimed {
				return nil, "", apperrors.Wrap(domain.ErrRoomUnavailable, apperrors.ErrCodeRemoteUnavailable,
					fmt.Sprintf("room %q is not reachable", name), 503)
			}
		} else {
			return nil, owner, nil
		}
	}

	state, err := m.repo.Load(ctx, name)
	if err != nil {
		if relErr := m.directory.Release(ctx, name, m.cfg.NodeID); relErr != nil {
			m.logger.Warnw("failed to release claim after load failure", "room", name, "error", relErr)
		}
		if errors.Is(err, domain.ErrRoomNotFound) {
			return nil, "", apperrors.Wrap(err, apperrors.ErrCodeNotFound,
				fmt.Sprintf("room %q not found", name), 404)
		}
		return nil, "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "could not load room", 500)
	}

	room = NewRoom(state, m.cfg.Room, m.deps)

	m.mu.Lock()
	if existing, raced := m.rooms[name]; raced {
		// Another goroutine on this node won in between.
		m.mu.Unlock()
		room.Close("superseded")
		return existing, "", nil
	}
	m.rooms[name] = room
	n := len(m.rooms)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SetRoomsResident(n)
	}

	m.logger.Infow("room loaded", "room", name)
	return room, "", nil
}

// Resident reports whether the named room runs on this node.
func (m *RoomManager) Resident(name string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[name]
	return room, ok
}

// ListRooms returns the public rooms known to storage plus the public
// temporary rooms resident here.
func (m *RoomManager) ListRooms(ctx context.Context) ([]*domain.RoomState, error) {
	states, err := m.repo.ListPublic(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "could not list rooms", 500)
	}

	seen := make(map[string]struct{}, len(states))
	for _, s := range states {
		seen[s.Name] = struct{}{}
	}

	m.mu.RLock()
	resident := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		resident = append(resident, room)
	}
	m.mu.RUnlock()

	for _, room := range resident {
		if _, dup := seen[room.Name()]; dup {
			continue
		}
		snap := room.Snapshot()
		if snap.State.Visibility == domain.VisibilityPublic {
			s := snap.State
			states = append(states, &s)
		}
	}
	return states, nil
}

// GenerateName produces an unclaimed random room name.
func (m *RoomManager) GenerateName(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		buf := make([]byte, 6)
		if _, err := rand.Read(buf); err != nil {
			return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "could not generate room name", 500)
		}
		name := "room-" + hex.EncodeToString(buf)

		if exists, err := m.repo.Exists(ctx, name); err != nil {
			return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "could not check room name", 500)
		} else if exists {
			continue
		}
		if owner, err := m.directory.Owner(ctx, name); err != nil {
			return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "could not check room name", 500)
		} else if owner != "" {
			continue
		}
		return name, nil
	}
	return "", apperrors.NewInternalError("could not find a free room name")
}

// UnloadRoom saves the room, stops its actor loop and releases the
// cluster claim. Temporary rooms are dropped without a save.
func (m *RoomManager) UnloadRoom(ctx context.Context, name, reason string) error {
	m.mu.Lock()
	room, ok := m.rooms[name]
	if ok {
		delete(m.rooms, name)
	}
	n := len(m.rooms)
	m.mu.Unlock()
	if !ok {
		return apperrors.Wrap(domain.ErrRoomNotFound, apperrors.ErrCodeNotFound,
			fmt.Sprintf("room %q is not resident", name), 404)
	}
	if m.metrics != nil {
		m.metrics.SetRoomsResident(n)
	}

	snap := room.Snapshot()
	if !snap.State.IsTemporary && snap.Dirty {
		if err := m.save(ctx, room); err != nil {
			m.logger.Errorw("failed to save room during unload", "room", name, "error", err)
		}
	}

	room.Close(reason)

	if err := m.directory.Release(ctx, name, m.cfg.NodeID); err != nil {
		m.logger.Warnw("failed to release room claim", "room", name, "error", err)
	}

	m.logger.Infow("room unloaded", "room", name, "reason", reason)
	return nil
}

// DeleteRoom removes a room from this node and from storage.
func (m *RoomManager) DeleteRoom(ctx context.Context, name string) error {
	if err := m.UnloadRoom(ctx, name, "room deleted"); err != nil {
		if apperrors.CodeOf(err) != apperrors.ErrCodeNotFound {
			return err
		}
	}
	if err := m.repo.Delete(ctx, name); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "could not delete room", 500)
	}
	return nil
}

// Shutdown unloads every resident room, saving persistent ones.
func (m *RoomManager) Shutdown(ctx context.Context) {
	close(m.stop)
	<-m.stopped

	m.mu.Lock()
	names := make([]string, 0, len(m.rooms))
	for name := range m.rooms {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		if err := m.UnloadRoom(ctx, name, "server shutting down"); err != nil {
			m.logger.Errorw("failed to unload room during shutdown", "room", name, "error", err)
		}
	}
}

// onRoomEmpty runs when the last client leaves a temporary room.
func (m *RoomManager) onRoomEmpty(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	room, ok := m.Resident(name)
	if !ok {
		return
	}
	snap := room.Snapshot()
	if !snap.State.IsTemporary || len(snap.Users) > 0 {
		return
	}
	if err := m.UnloadRoom(ctx, name, "room closed"); err != nil {
		m.logger.Warnw("failed to tear down empty temporary room", "room", name, "error", err)
	}
}

func (m *RoomManager) sweepLoop() {
	defer close(m.stopped)

	sweep := time.NewTicker(m.cfg.SweepInterval)
	defer sweep.Stop()
	save := time.NewTicker(m.cfg.SaveInterval)
	defer save.Stop()

	for {
		select {
		case <-sweep.C:
			m.sweepIdle()
		case <-save.C:
			m.saveDirty()
		case <-m.stop:
			return
		}
	}
}

// sweepIdle evicts rooms that have sat empty past the idle timeout and
// refreshes the cluster claim for everything still resident.
func (m *RoomManager) sweepIdle() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SweepInterval)
	defer cancel()

	m.mu.RLock()
	resident := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		resident = append(resident, room)
	}
	m.mu.RUnlock()

	for _, room := range resident {
		snap := room.Snapshot()
		if !snap.EmptySince.IsZero() && time.Since(snap.EmptySince) >= m.cfg.IdleTimeout {
			if err := m.UnloadRoom(ctx, room.Name(), "room idle"); err != nil {
				m.logger.Warnw("failed to evict idle room", "room", room.Name(), "error", err)
			}
			continue
		}
		if err := m.directory.Refresh(ctx, room.Name(), m.cfg.NodeID); err != nil {
			m.logger.Warnw("failed to refresh room claim", "room", room.Name(), "error", err)
		}
	}
}

func (m *RoomManager) saveDirty() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SaveInterval)
	defer cancel()

	m.mu.RLock()
	resident := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		resident = append(resident, room)
	}
	m.mu.RUnlock()

	for _, room := range resident {
		snap := room.Snapshot()
		if snap.State.IsTemporary || !snap.Dirty {
			continue
		}
		if err := m.save(ctx, room); err != nil {
			m.logger.Errorw("periodic room save failed", "room", room.Name(), "error", err)
		}
	}
}

// save persists the room's current state, retrying transient storage
// failures. Save is idempotent so reruns are harmless.
func (m *RoomManager) save(ctx context.Context, room *Room) error {
	snap := room.Snapshot()
	err := retry.Do(ctx, m.saveCfg, func() error {
		return m.repo.Save(ctx, &snap.State)
	})
	if err != nil {
		return err
	}
	room.MarkSaved()
	return nil
}
