package domain

type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
)

func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityUnlisted, VisibilityPrivate:
		return true
	}
	return false
}

type QueueMode string

const (
	QueueModeManual QueueMode = "manual"
	QueueModeVote   QueueMode = "vote"
	QueueModeLoop   QueueMode = "loop"
	QueueModeDj     QueueMode = "dj"
)

func (m QueueMode) Valid() bool {
	switch m {
	case QueueModeManual, QueueModeVote, QueueModeLoop, QueueModeDj:
		return true
	}
	return false
}

// RoomState is the persisted shape of a room: everything the storage
// collaborator keeps between loads. Connection-scoped state (clients,
// votes, playback position) is deliberately absent.
type RoomState struct {
	Name          string     `json:"name"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Visibility    Visibility `json:"visibility"`
	QueueMode     QueueMode  `json:"queue_mode"`
	IsTemporary   bool       `json:"is_temporary"`
	Owner         UserID     `json:"owner,omitempty"`
	Grants        *Grants    `json:"grants,omitempty"`
	Queue         Queue      `json:"queue"`
	CurrentSource *Video     `json:"current_source,omitempty"`
}

// RoomSettings is the partial-update shape consumed by ApplySettings.
// Nil fields are untouched; all set fields are validated up front and
// merged together, so a rejected field applies nothing.
type RoomSettings struct {
	Title       *string     `json:"title,omitempty"`
	Description *string     `json:"description,omitempty"`
	Visibility  *Visibility `json:"visibility,omitempty"`
	QueueMode   *QueueMode  `json:"queue_mode,omitempty"`
	Grants      *Grants     `json:"grants,omitempty"`
}

// RoomSync is the partial state diff broadcast after a mutation. Only
// properties touched by the applied request are populated.
type RoomSync struct {
	Name             string      `json:"name"`
	Title            *string     `json:"title,omitempty"`
	Description      *string     `json:"description,omitempty"`
	Visibility       *Visibility `json:"visibility,omitempty"`
	QueueMode        *QueueMode  `json:"queue_mode,omitempty"`
	Queue            *Queue      `json:"queue,omitempty"`
	CurrentSource    **Video     `json:"current_source,omitempty"`
	IsPlaying        *bool       `json:"is_playing,omitempty"`
	PlaybackPosition *float64    `json:"playback_position,omitempty"`
	Users            []UserInfo  `json:"users,omitempty"`
	Votes            map[string]int `json:"votes,omitempty"`
	Grants           *Grants     `json:"grants,omitempty"`
}
