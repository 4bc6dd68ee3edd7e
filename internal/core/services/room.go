package services

import (
	"context"
	"fmt"
	"time"

	"watchsync/internal/core/domain"
	"watchsync/internal/core/ports"
	apperrors "watchsync/pkg/errors"
	"watchsync/pkg/tracing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// positionSyncInterval is how often the advancing playback position is
// pushed to clients while playing; clients interpolate in between.
const positionSyncInterval = 5

// RoomConfig carries the per-room tunables the manager hands down.
type RoomConfig struct {
	UndoWindow     time.Duration
	UndoDepth      int
	MaxQueueLength int
	RequestBacklog int
}

// RoomDeps are the collaborators every room shares.
type RoomDeps struct {
	Resolver ports.VideoResolver
	Users    ports.UserDirectory
	Metrics  ports.Metrics
	Logger   *zap.SugaredLogger
	// OnEmpty is invoked (on its own goroutine) when the last client
	// leaves a temporary room.
	OnEmpty func(name string)
}

type roomClient struct {
	client *domain.Client
	sink   ports.MessageSink
}

type result struct {
	event *domain.RoomEvent
	err   error
}

type envelope struct {
	ctx   context.Context
	req   domain.RoomRequest
	sink  ports.MessageSink // set only for Join
	reply chan result
}

// RoomSnapshot is a consistent read of a room's state, taken from
// inside the actor loop so it never races a mutation.
type RoomSnapshot struct {
	State            domain.RoomState
	IsPlaying        bool
	PlaybackPosition float64
	Users            []domain.UserInfo
	EmptySince       time.Time
	Dirty            bool
}

// Room is a single-writer actor: all mutating requests are serialized
// through one goroutine, so queue, votes and playback position never
// see a read-modify-write race. Reads go through the same loop.
type Room struct {
	name string

	title         string
	description   string
	visibility    domain.Visibility
	queueMode     domain.QueueMode
	isTemporary   bool
	owner         domain.UserID
	grants        *domain.Grants
	queue         domain.Queue
	currentSource *domain.Video
	isPlaying     bool
	position      float64

	clients map[domain.ClientID]*roomClient
	roster  []domain.ClientID
	votes   map[domain.VideoID]map[domain.ClientID]struct{}

	history []*domain.RoomEvent

	requests chan envelope
	reads    chan func()
	stop     chan struct{}
	stopped  chan struct{}

	emptySince time.Time
	unsaved    bool

	cfg  RoomConfig
	deps RoomDeps
}

// NewRoom builds a room from persisted (or freshly created) state and
// starts its actor loop.
func NewRoom(state *domain.RoomState, cfg RoomConfig, deps RoomDeps) *Room {
	grants := state.Grants
	if grants == nil {
		grants = domain.DefaultGrants()
	}
	if cfg.RequestBacklog <= 0 {
		cfg.RequestBacklog = 64
	}
	r := &Room{
		name:          state.Name,
		title:         state.Title,
		description:   state.Description,
		visibility:    state.Visibility,
		queueMode:     state.QueueMode,
		isTemporary:   state.IsTemporary,
		owner:         state.Owner,
		grants:        grants,
		queue:         append(domain.Queue{}, state.Queue...),
		currentSource: state.CurrentSource,
		clients:       make(map[domain.ClientID]*roomClient),
		votes:         make(map[domain.VideoID]map[domain.ClientID]struct{}),
		requests:      make(chan envelope, cfg.RequestBacklog),
		reads:         make(chan func()),
		stop:          make(chan struct{}),
		stopped:       make(chan struct{}),
		emptySince:    time.Now(),
		cfg:           cfg,
		deps:          deps,
	}
	if r.visibility == "" {
		r.visibility = domain.VisibilityPublic
	}
	if r.queueMode == "" {
		r.queueMode = domain.QueueModeManual
	}
	go r.run()
	return r
}

func (r *Room) Name() string { return r.name }

// Join introduces a new client. It is the one request that carries a
// message sink alongside the request itself.
func (r *Room) Join(ctx context.Context, client *domain.Client, sink ports.MessageSink) (*domain.RoomEvent, error) {
	req := &domain.JoinRequest{
		RequestBase: domain.RequestBase{Client: client.ID},
		Info:        client,
	}
	return r.submit(ctx, envelope{ctx: ctx, req: req, sink: sink})
}

// Process applies one request against the room, strictly serialized
// with every other request.
func (r *Room) Process(ctx context.Context, req domain.RoomRequest) (*domain.RoomEvent, error) {
	return r.submit(ctx, envelope{ctx: ctx, req: req})
}

func (r *Room) submit(ctx context.Context, env envelope) (*domain.RoomEvent, error) {
	env.reply = make(chan result, 1)
	select {
	case r.requests <- env:
	case <-r.stopped:
		return nil, apperrors.Wrap(domain.ErrRoomClosed, apperrors.ErrCodeRemoteUnavailable, "room is shutting down", 503)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-env.reply:
		return res.event, res.err
	case <-r.stopped:
		return nil, apperrors.Wrap(domain.ErrRoomClosed, apperrors.ErrCodeRemoteUnavailable, "room is shutting down", 503)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Snapshot returns a consistent view of the room.
func (r *Room) Snapshot() RoomSnapshot {
	out := make(chan RoomSnapshot, 1)
	select {
	case r.reads <- func() { out <- r.snapshotLocked() }:
		return <-out
	case <-r.stopped:
		return RoomSnapshot{State: domain.RoomState{Name: r.name}}
	}
}

// MarkSaved clears the dirty-for-persistence flag after a successful save.
func (r *Room) MarkSaved() {
	select {
	case r.reads <- func() { r.unsaved = false }:
	case <-r.stopped:
	}
}

// Close broadcasts an unload notice and stops the actor loop. Pending
// requests fail with a shutdown error.
func (r *Room) Close(reason string) {
	select {
	case <-r.stop:
		return
	default:
	}
	done := make(chan struct{})
	select {
	case r.reads <- func() {
		r.broadcast(domain.UnloadMessage{Reason: reason})
		close(done)
	}:
		<-done
	case <-r.stopped:
		return
	}
	close(r.stop)
	<-r.stopped
}

func (r *Room) run() {
	defer close(r.stopped)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case env := <-r.requests:
			r.handle(env)
		case fn := <-r.reads:
			fn()
		case <-ticker.C:
			r.tick()
		case <-r.stop:
			r.drain()
			return
		}
	}
}

func (r *Room) drain() {
	for {
		select {
		case env := <-r.requests:
			env.reply <- result{err: apperrors.Wrap(domain.ErrRoomClosed, apperrors.ErrCodeRemoteUnavailable, "room is shutting down", 503)}
		default:
			return
		}
	}
}

// handle runs the full request pipeline: resolve actor, check
// permission, apply the transition, emit the event, broadcast the
// diff. Failures leave the state untouched and broadcast nothing.
func (r *Room) handle(env envelope) {
	start := time.Now()
	ev, err := r.dispatch(env)

	outcome := "ok"
	if err != nil {
		outcome = string(apperrors.CodeOf(err))
	}
	if r.deps.Metrics != nil {
		r.deps.Metrics.ObserveRoomRequest(env.req.Kind(), outcome, time.Since(start).Seconds())
	}
	env.reply <- result{event: ev, err: err}
}

func (r *Room) dispatch(env envelope) (ev *domain.RoomEvent, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.deps.Logger.Errorw("panic while processing room request",
				"room", r.name,
				"kind", env.req.Kind(),
				"panic", rec,
			)
			ev = nil
			err = apperrors.NewInternalError("request processing failed")
		}
	}()

	ctx, span := tracing.StartSpan(env.ctx, "room.process."+env.req.Kind())
	defer span.End()
	defer func() { tracing.RecordError(span, err) }()

	// Join introduces the acting client; everything else must reference
	// an existing roster entry.
	var actor *roomClient
	if _, isJoin := env.req.(*domain.JoinRequest); !isJoin {
		if env.req.Actor() == "" {
			return nil, apperrors.NewValidationError("request carries no acting client")
		}
		var ok bool
		actor, ok = r.clients[env.req.Actor()]
		if !ok {
			return nil, apperrors.Wrap(domain.ErrClientNotFound, apperrors.ErrCodeNotFound, "client not found in room", 404)
		}
	}

	role, userID := r.effectiveRole(actor)
	if perm, gated := requiredPermission(env.req); gated {
		if !r.grants.Granted(role, userID, perm) {
			return nil, apperrors.NewPermissionDeniedError(
				fmt.Sprintf("%s requires %q", env.req.Kind(), perm.Name()))
		}
	}

	d := newDirtySet()
	var extra domain.EventExtra

	switch req := env.req.(type) {
	case *domain.JoinRequest:
		err = r.applyJoin(req, env.sink, d)
	case *domain.LeaveRequest:
		err = r.applyLeave(req, d)
	case *domain.PlaybackRequest:
		extra, err = r.applyPlayback(req, d)
	case *domain.SkipRequest:
		extra, err = r.applySkip(d)
	case *domain.SeekRequest:
		extra, err = r.applySeek(req, d)
	case *domain.AddRequest:
		extra, err = r.applyAdd(ctx, actor, req, d)
	case *domain.RemoveRequest:
		extra, err = r.applyRemove(req, d)
	case *domain.OrderRequest:
		err = r.applyOrder(req, d)
	case *domain.VoteRequest:
		err = r.applyVote(req, d)
	case *domain.PromoteRequest:
		err = r.applyPromote(actor, role, req, d)
	case *domain.UpdateUserRequest:
		err = r.applyUpdateUser(ctx, actor, req, d)
	case *domain.ChatRequest:
		err = r.applyChat(actor, req)
	case *domain.UndoRequest:
		err = r.applyUndo(req, d)
	case *domain.ApplySettingsRequest:
		err = r.applySettings(role, userID, req, d)
	default:
		err = apperrors.NewValidationError(fmt.Sprintf("unknown request kind %q", env.req.Kind()))
	}
	if err != nil {
		return nil, err
	}

	ev = &domain.RoomEvent{
		ID:        uuid.NewString(),
		RoomName:  r.name,
		Timestamp: time.Now(),
		Request:   env.req,
		Extra:     extra,
	}
	if actor != nil {
		ev.User = actor.client.Info()
	} else if join, ok := env.req.(*domain.JoinRequest); ok {
		ev.User = join.Info.Info()
	}

	r.remember(ev)

	// Chat bypasses the dirty-set mechanism entirely.
	if _, isChat := env.req.(*domain.ChatRequest); !isChat {
		r.broadcast(domain.EventMessage{Event: *ev})
		if !d.empty() {
			r.unsaved = true
			r.broadcastSync(d)
		}
	}
	return ev, nil
}

// effectiveRole resolves the acting client's role. The room creator,
// while present, is Owner regardless of the grants table. Requests
// without a roster entry never get past dispatch, so the nil case only
// covers Join, which is ungated.
func (r *Room) effectiveRole(actor *roomClient) (domain.Role, domain.UserID) {
	if actor == nil {
		return domain.RoleUnregisteredUser, ""
	}
	c := actor.client
	if c.User == nil {
		return domain.RoleUnregisteredUser, ""
	}
	if r.owner != "" && c.User.ID == r.owner {
		return domain.RoleOwner, c.User.ID
	}
	return c.Role, c.User.ID
}

// requiredPermission maps a request kind to its gating permission.
// Join, Leave and UpdateUser are self-scoped and ungated; Promote has
// its own ceiling rules on top of the base permission.
func requiredPermission(req domain.RoomRequest) (domain.Permission, bool) {
	switch rq := req.(type) {
	case *domain.PlaybackRequest:
		return domain.PermPlayback, true
	case *domain.SkipRequest:
		return domain.PermSkip, true
	case *domain.SeekRequest:
		return domain.PermSeek, true
	case *domain.AddRequest:
		return domain.PermQueueAdd, true
	case *domain.RemoveRequest:
		return domain.PermQueueRemove, true
	case *domain.OrderRequest:
		return domain.PermQueueOrder, true
	case *domain.VoteRequest:
		return domain.PermQueueVote, true
	case *domain.ChatRequest:
		return domain.PermChat, true
	case *domain.UndoRequest:
		return domain.PermUndo, true
	case *domain.ApplySettingsRequest:
		return domain.PermApplySettings, true
	case *domain.PromoteRequest:
		if rq.Role > domain.RoleUnregisteredUser {
			return domain.PermPromote, true
		}
		return domain.PermDemote, true
	default:
		return 0, false
	}
}

// remember appends ev to the bounded undo history.
func (r *Room) remember(ev *domain.RoomEvent) {
	r.history = append(r.history, ev)
	if len(r.history) > r.cfg.UndoDepth {
		r.history = r.history[len(r.history)-r.cfg.UndoDepth:]
	}
}

func (r *Room) tick() {
	if !r.isPlaying || r.currentSource == nil {
		return
	}
	r.position++
	if r.currentSource.Length > 0 && r.position >= r.currentSource.Length {
		// End of video: advance the same way a Skip would.
		d := newDirtySet()
		if _, err := r.applySkip(d); err != nil {
			// Nothing left to play.
			r.isPlaying = false
			r.position = 0
			d.mark(dirtyIsPlaying)
			d.mark(dirtyPlaybackPosition)
		}
		r.unsaved = true
		r.broadcastSync(d)
		return
	}
	if int(r.position)%positionSyncInterval == 0 {
		d := newDirtySet()
		d.mark(dirtyPlaybackPosition)
		r.broadcastSync(d)
	}
}

func (r *Room) snapshotLocked() RoomSnapshot {
	return RoomSnapshot{
		State:            r.persistedState(),
		IsPlaying:        r.isPlaying,
		PlaybackPosition: r.position,
		Users:            r.userList(),
		EmptySince:       r.emptySince,
		Dirty:            r.unsaved,
	}
}

func (r *Room) persistedState() domain.RoomState {
	return domain.RoomState{
		Name:          r.name,
		Title:         r.title,
		Description:   r.description,
		Visibility:    r.visibility,
		QueueMode:     r.queueMode,
		IsTemporary:   r.isTemporary,
		Owner:         r.owner,
		Grants:        r.grants.Clone(),
		Queue:         append(domain.Queue{}, r.queue...),
		CurrentSource: r.currentSource,
	}
}

func (r *Room) userList() []domain.UserInfo {
	users := make([]domain.UserInfo, 0, len(r.roster))
	for _, id := range r.roster {
		if rc, ok := r.clients[id]; ok {
			users = append(users, rc.client.Info())
		}
	}
	return users
}

func (r *Room) voteCounts() map[string]int {
	counts := make(map[string]int, len(r.votes))
	for id, voters := range r.votes {
		counts[id.String()] = len(voters)
	}
	return counts
}

// broadcast fans a message out to every connected client. A dead
// socket is logged and skipped; it never fails the request.
func (r *Room) broadcast(msg domain.ServerMessage) {
	for id, rc := range r.clients {
		if rc.sink == nil {
			continue
		}
		if err := rc.sink.Send(msg); err != nil {
			r.deps.Logger.Warnw("failed to deliver message to client",
				"room", r.name,
				"client", id,
				"type", msg.MessageType(),
				"error", err,
			)
			if r.deps.Metrics != nil {
				r.deps.Metrics.RecordBroadcastFailure(r.name)
			}
		}
	}
}

// broadcastSync sends the minimal diff for the dirty set. Grant
// internals only go to clients holding manage-permissions.
func (r *Room) broadcastSync(d *dirtySet) {
	if d.empty() {
		return
	}
	base := r.buildSync(d, false)
	privileged := base
	if d.has(dirtyGrants) {
		privileged = r.buildSync(d, true)
	}

	for id, rc := range r.clients {
		if rc.sink == nil {
			continue
		}
		msg := domain.SyncMessage{Sync: base}
		role, userID := r.effectiveRole(rc)
		if d.has(dirtyGrants) && r.grants.Granted(role, userID, domain.PermManageGrants) {
			msg = domain.SyncMessage{Sync: privileged}
		}
		if err := rc.sink.Send(msg); err != nil {
			r.deps.Logger.Warnw("failed to deliver sync to client",
				"room", r.name,
				"client", id,
				"error", err,
			)
			if r.deps.Metrics != nil {
				r.deps.Metrics.RecordBroadcastFailure(r.name)
			}
		}
	}
}

func (r *Room) buildSync(d *dirtySet, includeGrants bool) domain.RoomSync {
	sync := domain.RoomSync{Name: r.name}
	if d.has(dirtyTitle) {
		title := r.title
		sync.Title = &title
	}
	if d.has(dirtyDescription) {
		desc := r.description
		sync.Description = &desc
	}
	if d.has(dirtyVisibility) {
		vis := r.visibility
		sync.Visibility = &vis
	}
	if d.has(dirtyQueueMode) {
		mode := r.queueMode
		sync.QueueMode = &mode
	}
	if d.has(dirtyQueue) {
		q := append(domain.Queue{}, r.queue...)
		sync.Queue = &q
	}
	if d.has(dirtyCurrentSource) {
		src := r.currentSource
		sync.CurrentSource = &src
	}
	if d.has(dirtyIsPlaying) {
		playing := r.isPlaying
		sync.IsPlaying = &playing
	}
	if d.has(dirtyPlaybackPosition) {
		pos := r.position
		sync.PlaybackPosition = &pos
	}
	if d.has(dirtyUsers) {
		sync.Users = r.userList()
	}
	if d.has(dirtyVotes) {
		sync.Votes = r.voteCounts()
	}
	if d.has(dirtyGrants) && includeGrants {
		sync.Grants = r.grants.Clone()
	}
	return sync
}
