package services

import (
	"context"
	"fmt"
	"time"

	"watchsync/internal/core/domain"
	"watchsync/internal/core/ports"
	apperrors "watchsync/pkg/errors"
	"watchsync/pkg/utils"
	"watchsync/pkg/validation"
)

// Dirty-set property names are the top-level state keys a sync diff
// can carry.
const (
	dirtyTitle            = "title"
	dirtyDescription      = "description"
	dirtyVisibility       = "visibility"
	dirtyQueueMode        = "queue_mode"
	dirtyQueue            = "queue"
	dirtyCurrentSource    = "current_source"
	dirtyIsPlaying        = "is_playing"
	dirtyPlaybackPosition = "playback_position"
	dirtyUsers            = "users"
	dirtyVotes            = "votes"
	dirtyGrants           = "grants"
)

type dirtySet struct {
	props map[string]struct{}
}

func newDirtySet() *dirtySet {
	return &dirtySet{props: make(map[string]struct{})}
}

func (d *dirtySet) mark(prop string)     { d.props[prop] = struct{}{} }
func (d *dirtySet) has(prop string) bool { _, ok := d.props[prop]; return ok }
func (d *dirtySet) empty() bool          { return len(d.props) == 0 }

func (r *Room) applyJoin(req *domain.JoinRequest, sink ports.MessageSink, d *dirtySet) error {
	if req.Info == nil || req.Info.ID == "" {
		return apperrors.NewValidationError("join requires client info")
	}
	if _, exists := r.clients[req.Info.ID]; exists {
		return apperrors.NewConflictError("client already joined")
	}

	c := req.Info
	if c.PlayerStatus == "" {
		c.PlayerStatus = domain.PlayerStatusNone
	}
	if c.User != nil && c.Role < domain.RoleRegisteredUser {
		c.Role = domain.RoleRegisteredUser
	}

	rc := &roomClient{client: c, sink: sink}
	r.clients[c.ID] = rc
	r.roster = append(r.roster, c.ID)
	r.emptySince = time.Time{}
	d.mark(dirtyUsers)

	if r.deps.Metrics != nil {
		r.deps.Metrics.SetRoomClients(r.name, len(r.clients))
	}

	// New arrivals get their own info plus a full-state sync so they
	// can render without waiting for the next mutation.
	if sink != nil {
		_ = sink.Send(domain.UserMessage{Info: c.Info()})
		full := newDirtySet()
		for _, p := range []string{
			dirtyTitle, dirtyDescription, dirtyVisibility, dirtyQueueMode,
			dirtyQueue, dirtyCurrentSource, dirtyIsPlaying, dirtyPlaybackPosition,
			dirtyUsers, dirtyVotes,
		} {
			full.mark(p)
		}
		_ = sink.Send(domain.SyncMessage{Sync: r.buildSync(full, false)})
	}
	return nil
}

func (r *Room) applyLeave(req *domain.LeaveRequest, d *dirtySet) error {
	id := req.Actor()
	if _, ok := r.clients[id]; !ok {
		return apperrors.Wrap(domain.ErrClientNotFound, apperrors.ErrCodeNotFound, "client not found in room", 404)
	}

	delete(r.clients, id)
	for i, rid := range r.roster {
		if rid == id {
			r.roster = append(r.roster[:i], r.roster[i+1:]...)
			break
		}
	}
	d.mark(dirtyUsers)

	// A departed client's votes no longer count.
	for vid, voters := range r.votes {
		if _, voted := voters[id]; voted {
			delete(voters, id)
			if len(voters) == 0 {
				delete(r.votes, vid)
			}
			d.mark(dirtyVotes)
		}
	}

	if r.deps.Metrics != nil {
		r.deps.Metrics.SetRoomClients(r.name, len(r.clients))
	}

	if len(r.clients) == 0 {
		r.emptySince = time.Now()
		if r.isTemporary && r.deps.OnEmpty != nil {
			go r.deps.OnEmpty(r.name)
		}
	}
	return nil
}

func (r *Room) applyPlayback(req *domain.PlaybackRequest, d *dirtySet) (domain.EventExtra, error) {
	extra := domain.EventExtra{PrevPlaying: r.isPlaying}
	if r.isPlaying == req.Playing {
		// Idempotent: no dirty set, no broadcast.
		return extra, nil
	}
	if req.Playing && r.currentSource == nil {
		return extra, apperrors.NewInvalidOperationError("nothing to play")
	}
	r.isPlaying = req.Playing
	d.mark(dirtyIsPlaying)
	return extra, nil
}

func (r *Room) applySkip(d *dirtySet) (domain.EventExtra, error) {
	if r.currentSource == nil && len(r.queue) == 0 {
		return domain.EventExtra{}, apperrors.NewInvalidOperationError("nothing to skip")
	}

	extra := domain.EventExtra{
		PrevSource:   r.currentSource,
		PrevPosition: r.position,
	}

	skipped := r.currentSource
	if skipped != nil {
		extra.Video = skipped
		if r.queueMode == domain.QueueModeLoop {
			// Loop re-enqueues the skipped item at the tail before
			// advancing, so a single-item queue round-trips.
			r.queue = append(r.queue, *skipped)
			d.mark(dirtyQueue)
		}
		if r.clearVotes(skipped.ID) {
			d.mark(dirtyVotes)
		}
	}

	next := r.pickNext()
	if next >= 0 {
		v := r.queue[next]
		r.queue = r.queue.RemoveAt(next)
		r.currentSource = &v
		if r.clearVotes(v.ID) {
			d.mark(dirtyVotes)
		}
		d.mark(dirtyQueue)
	} else {
		r.currentSource = nil
		if r.isPlaying {
			r.isPlaying = false
			d.mark(dirtyIsPlaying)
		}
	}

	r.position = 0
	d.mark(dirtyCurrentSource)
	d.mark(dirtyPlaybackPosition)
	return extra, nil
}

// pickNext selects the queue index to advance to, honoring the queue
// mode. Vote mode takes the highest-voted entry, ties broken by queue
// order; everything else takes the head. Dj is reserved and behaves
// as manual.
func (r *Room) pickNext() int {
	if len(r.queue) == 0 {
		return -1
	}
	if r.queueMode != domain.QueueModeVote {
		return 0
	}
	best, bestVotes := 0, -1
	for i, v := range r.queue {
		n := len(r.votes[v.ID])
		if n > bestVotes {
			best, bestVotes = i, n
		}
	}
	return best
}

func (r *Room) clearVotes(id domain.VideoID) bool {
	if _, ok := r.votes[id]; !ok {
		return false
	}
	delete(r.votes, id)
	return true
}

func (r *Room) applySeek(req *domain.SeekRequest, d *dirtySet) (domain.EventExtra, error) {
	if r.currentSource == nil {
		return domain.EventExtra{}, apperrors.NewInvalidOperationError("nothing is playing")
	}
	extra := domain.EventExtra{PrevPosition: r.position}

	pos := req.Position
	if pos < 0 {
		pos = 0
	}
	if r.currentSource.Length > 0 && pos > r.currentSource.Length {
		pos = r.currentSource.Length
	}
	if pos == r.position {
		return extra, nil
	}
	r.position = pos
	d.mark(dirtyPlaybackPosition)
	return extra, nil
}

func (r *Room) applyAdd(ctx context.Context, actor *roomClient, req *domain.AddRequest, d *dirtySet) (domain.EventExtra, error) {
	var videos []domain.Video
	switch {
	case req.Video != nil:
		videos = []domain.Video{*req.Video}
	case len(req.Videos) > 0:
		videos = req.Videos
	case req.URL != "":
		if err := validation.ValidateVideoURL(req.URL); err != nil {
			return domain.EventExtra{}, apperrors.NewValidationError(err.Error())
		}
		if r.deps.Resolver == nil {
			return domain.EventExtra{}, apperrors.NewInvalidOperationError("no video resolver configured")
		}
		v, err := r.deps.Resolver.Resolve(ctx, req.URL)
		if err != nil {
			return domain.EventExtra{}, apperrors.Wrap(err, apperrors.ErrCodeNotFound, "could not resolve video", 404)
		}
		videos = []domain.Video{*v}
	default:
		return domain.EventExtra{}, apperrors.NewValidationError("add requires a video, videos or url")
	}

	if len(r.queue)+len(videos) > r.cfg.MaxQueueLength {
		return domain.EventExtra{}, apperrors.NewValidationError(
			fmt.Sprintf("queue is limited to %d entries", r.cfg.MaxQueueLength))
	}

	// Validate the whole batch before touching state so a duplicate
	// in position N doesn't leave N-1 entries behind.
	seen := make(map[domain.VideoID]struct{}, len(videos))
	for _, v := range videos {
		if v.ID.Service == "" || v.ID.ID == "" {
			return domain.EventExtra{}, apperrors.NewValidationError("video identity is required")
		}
		if _, dup := seen[v.ID]; dup {
			return domain.EventExtra{}, apperrors.NewConflictError("duplicate video in request")
		}
		seen[v.ID] = struct{}{}
		if r.queue.Contains(v.ID) {
			return domain.EventExtra{}, apperrors.NewConflictError(
				fmt.Sprintf("video %s already in queue", v.ID))
		}
		if r.currentSource != nil && r.currentSource.ID == v.ID {
			return domain.EventExtra{}, apperrors.NewConflictError(
				fmt.Sprintf("video %s is already playing", v.ID))
		}
	}

	var extra domain.EventExtra
	for i := range videos {
		v := videos[i]
		if actor != nil && v.AddedBy == "" {
			v.AddedBy = actor.client.DisplayName()
		}
		if r.currentSource == nil {
			// First video with nothing playing goes straight to the
			// player.
			r.currentSource = &v
			r.position = 0
			d.mark(dirtyCurrentSource)
			d.mark(dirtyPlaybackPosition)
		} else {
			r.queue = append(r.queue, v)
			d.mark(dirtyQueue)
		}
		if extra.Video == nil {
			vc := v
			extra.Video = &vc
			extra.Index = len(r.queue) - 1
		}
	}
	return extra, nil
}

func (r *Room) applyRemove(req *domain.RemoveRequest, d *dirtySet) (domain.EventExtra, error) {
	if r.currentSource != nil && r.currentSource.ID == req.Video {
		// Removing what is playing advances first, then there is
		// nothing left to take out of the queue.
		return r.applySkip(d)
	}

	idx := r.queue.IndexOf(req.Video)
	if idx < 0 {
		return domain.EventExtra{}, apperrors.Wrap(domain.ErrVideoNotFound, apperrors.ErrCodeNotFound, "video not in queue", 404)
	}

	removed := r.queue[idx]
	r.queue = r.queue.RemoveAt(idx)
	d.mark(dirtyQueue)
	if r.clearVotes(removed.ID) {
		d.mark(dirtyVotes)
	}
	return domain.EventExtra{Video: &removed, Index: idx}, nil
}

func (r *Room) applyOrder(req *domain.OrderRequest, d *dirtySet) error {
	if req.From < 0 || req.From >= len(r.queue) || req.To < 0 || req.To >= len(r.queue) {
		return apperrors.Wrap(domain.ErrOutOfBounds, apperrors.ErrCodeValidation,
			fmt.Sprintf("move %d -> %d outside queue of %d", req.From, req.To, len(r.queue)), 400)
	}
	if req.From == req.To {
		return nil
	}
	r.queue = r.queue.Move(req.From, req.To)
	d.mark(dirtyQueue)
	return nil
}

func (r *Room) applyVote(req *domain.VoteRequest, d *dirtySet) error {
	if !r.queue.Contains(req.Video) {
		return apperrors.Wrap(domain.ErrVideoNotFound, apperrors.ErrCodeNotFound, "video not in queue", 404)
	}

	voters := r.votes[req.Video]
	_, voted := voters[req.Actor()]
	if voted == req.Add {
		// Already in the requested state.
		return nil
	}
	if req.Add {
		if voters == nil {
			voters = make(map[domain.ClientID]struct{})
			r.votes[req.Video] = voters
		}
		voters[req.Actor()] = struct{}{}
	} else {
		delete(voters, req.Actor())
		if len(voters) == 0 {
			delete(r.votes, req.Video)
		}
	}
	d.mark(dirtyVotes)
	return nil
}

// promoteCeiling is the highest role an actor may assign.
func promoteCeiling(actor domain.Role) domain.Role {
	switch {
	case actor >= domain.RoleAdministrator:
		return domain.RoleAdministrator
	case actor == domain.RoleModerator:
		return domain.RoleTrustedUser
	default:
		return domain.RoleUnregisteredUser
	}
}

func (r *Room) applyPromote(actor *roomClient, actorRole domain.Role, req *domain.PromoteRequest, d *dirtySet) error {
	target, ok := r.clients[req.Target]
	if !ok {
		return apperrors.Wrap(domain.ErrClientNotFound, apperrors.ErrCodeNotFound, "target client not found", 404)
	}
	if target.client.User == nil {
		// Roles bind to accounts; an anonymous session is always
		// unregistered no matter what the roster said.
		return apperrors.NewPermissionDeniedError("roles require a registered account")
	}
	if req.Role >= domain.RoleOwner {
		return apperrors.NewPermissionDeniedError("owner cannot be assigned")
	}
	if req.Role > promoteCeiling(actorRole) {
		return apperrors.NewPermissionDeniedError(
			fmt.Sprintf("%s may not assign role %s", actorRole, req.Role))
	}
	if target.client.Role > actorRole {
		return apperrors.NewPermissionDeniedError("cannot change the role of a higher-ranked client")
	}
	if target.client.Role == req.Role {
		return nil
	}

	target.client.Role = req.Role
	d.mark(dirtyUsers)
	if target.sink != nil {
		_ = target.sink.Send(domain.UserMessage{Info: target.client.Info()})
	}
	return nil
}

func (r *Room) applyUpdateUser(ctx context.Context, actor *roomClient, req *domain.UpdateUserRequest, d *dirtySet) error {
	if actor == nil {
		return apperrors.Wrap(domain.ErrClientNotFound, apperrors.ErrCodeNotFound, "client not found in room", 404)
	}

	changed := false
	if req.PlayerStatus != "" && req.PlayerStatus != actor.client.PlayerStatus {
		actor.client.PlayerStatus = req.PlayerStatus
		changed = true
	}

	if actor.client.User != nil && r.deps.Users != nil {
		fresh, err := r.deps.Users.GetUser(ctx, actor.client.User.ID)
		if err == nil && fresh.Username != actor.client.User.Username {
			actor.client.User = fresh
			changed = true
		}
	}

	if changed {
		d.mark(dirtyUsers)
		if actor.sink != nil {
			_ = actor.sink.Send(domain.UserMessage{Info: actor.client.Info()})
		}
	}
	return nil
}

func (r *Room) applyChat(actor *roomClient, req *domain.ChatRequest) error {
	text := utils.SanitizeString(req.Text)
	if err := validation.ValidateChatMessage(text); err != nil {
		return apperrors.NewValidationError(err.Error())
	}
	r.broadcast(domain.ChatMessage{From: actor.client.Info(), Text: text})
	return nil
}

func (r *Room) applySettings(role domain.Role, userID domain.UserID, req *domain.ApplySettingsRequest, d *dirtySet) error {
	s := req.Settings

	// Validate every provided field before merging anything, so a
	// bad field never leaves half the settings applied.
	if s.Title != nil {
		if err := validation.ValidateRoomTitle(*s.Title); err != nil {
			return apperrors.NewValidationError(err.Error())
		}
	}
	if s.Description != nil {
		if err := validation.ValidateRoomDescription(*s.Description); err != nil {
			return apperrors.NewValidationError(err.Error())
		}
	}
	if s.Visibility != nil && !s.Visibility.Valid() {
		return apperrors.NewValidationError(fmt.Sprintf("invalid visibility %q", *s.Visibility))
	}
	if s.QueueMode != nil && !s.QueueMode.Valid() {
		return apperrors.NewValidationError(fmt.Sprintf("invalid queue mode %q", *s.QueueMode))
	}
	if s.Grants != nil && !r.grants.Granted(role, userID, domain.PermManageGrants) {
		// Grants edits are gated separately so settings access alone
		// can never self-escalate.
		return apperrors.NewPermissionDeniedError("changing grants requires \"manage-permissions\"")
	}

	if s.Title != nil && *s.Title != r.title {
		r.title = utils.SanitizeString(*s.Title)
		d.mark(dirtyTitle)
	}
	if s.Description != nil && *s.Description != r.description {
		r.description = utils.SanitizeString(*s.Description)
		d.mark(dirtyDescription)
	}
	if s.Visibility != nil && *s.Visibility != r.visibility {
		r.visibility = *s.Visibility
		d.mark(dirtyVisibility)
	}
	if s.QueueMode != nil && *s.QueueMode != r.queueMode {
		r.queueMode = *s.QueueMode
		d.mark(dirtyQueueMode)
	}
	if s.Grants != nil {
		r.grants = s.Grants.Clone()
		d.mark(dirtyGrants)
	}
	return nil
}

func (r *Room) applyUndo(req *domain.UndoRequest, d *dirtySet) error {
	idx := -1
	for i, ev := range r.history {
		if ev.ID == req.EventID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return apperrors.NewInvalidOperationError("event is outside the undo window")
	}
	ev := r.history[idx]
	if time.Since(ev.Timestamp) > r.cfg.UndoWindow {
		return apperrors.NewInvalidOperationError("event is outside the undo window")
	}

	if err := r.invert(ev, d); err != nil {
		return err
	}

	// Consumed: a replayed event cannot be undone twice.
	r.history = append(r.history[:idx], r.history[idx+1:]...)
	return nil
}

// invert replays the inverse of ev. Fails with an invalid-operation
// error when the state has moved on incompatibly.
func (r *Room) invert(ev *domain.RoomEvent, d *dirtySet) error {
	switch req := ev.Request.(type) {
	case *domain.AddRequest:
		if ev.Extra.Video == nil {
			return apperrors.NewInvalidOperationError("event cannot be inverted")
		}
		id := ev.Extra.Video.ID
		if idx := r.queue.IndexOf(id); idx >= 0 {
			r.queue = r.queue.RemoveAt(idx)
			d.mark(dirtyQueue)
			if r.clearVotes(id) {
				d.mark(dirtyVotes)
			}
			return nil
		}
		if r.currentSource != nil && r.currentSource.ID == id {
			_, err := r.applySkip(d)
			return err
		}
		return apperrors.NewInvalidOperationError("added video is no longer present")

	case *domain.RemoveRequest:
		if ev.Extra.PrevSource != nil {
			// The removal hit the playing video and acted as a skip.
			return r.undoSkip(ev, d)
		}
		if ev.Extra.Video == nil {
			return apperrors.NewInvalidOperationError("event cannot be inverted")
		}
		if r.queue.Contains(ev.Extra.Video.ID) {
			return apperrors.NewInvalidOperationError("video was re-added since removal")
		}
		r.queue = r.queue.InsertAt(ev.Extra.Index, *ev.Extra.Video)
		d.mark(dirtyQueue)
		return nil

	case *domain.SkipRequest:
		return r.undoSkip(ev, d)

	case *domain.SeekRequest:
		if r.currentSource == nil {
			return apperrors.NewInvalidOperationError("nothing is playing")
		}
		r.position = ev.Extra.PrevPosition
		d.mark(dirtyPlaybackPosition)
		return nil

	case *domain.PlaybackRequest:
		if r.isPlaying != req.Playing {
			return apperrors.NewInvalidOperationError("playback state has moved on")
		}
		if ev.Extra.PrevPlaying && r.currentSource == nil {
			return apperrors.NewInvalidOperationError("nothing to play")
		}
		if r.isPlaying != ev.Extra.PrevPlaying {
			r.isPlaying = ev.Extra.PrevPlaying
			d.mark(dirtyIsPlaying)
		}
		return nil

	case *domain.OrderRequest:
		if req.From >= len(r.queue) || req.To >= len(r.queue) {
			return apperrors.NewInvalidOperationError("queue has changed since the move")
		}
		r.queue = r.queue.Move(req.To, req.From)
		d.mark(dirtyQueue)
		return nil

	case *domain.VoteRequest:
		inverse := &domain.VoteRequest{
			RequestBase: domain.RequestBase{Client: req.Actor()},
			Video:       req.Video,
			Add:         !req.Add,
		}
		return r.applyVote(inverse, d)

	default:
		return apperrors.NewInvalidOperationError(
			fmt.Sprintf("%s events cannot be undone", ev.Request.Kind()))
	}
}

func (r *Room) undoSkip(ev *domain.RoomEvent, d *dirtySet) error {
	if ev.Extra.PrevSource == nil {
		return apperrors.NewInvalidOperationError("event cannot be inverted")
	}
	// Put whatever is playing now back at the head of the queue and
	// restore the skipped video.
	if r.currentSource != nil {
		r.queue = r.queue.InsertAt(0, *r.currentSource)
		d.mark(dirtyQueue)
	}
	if r.queueMode == domain.QueueModeLoop {
		// Drop the tail copy the skip re-enqueued.
		for i := len(r.queue) - 1; i >= 0; i-- {
			if r.queue[i].ID == ev.Extra.PrevSource.ID {
				r.queue = r.queue.RemoveAt(i)
				d.mark(dirtyQueue)
				break
			}
		}
	}
	r.currentSource = ev.Extra.PrevSource
	r.position = ev.Extra.PrevPosition
	d.mark(dirtyCurrentSource)
	d.mark(dirtyPlaybackPosition)
	return nil
}
