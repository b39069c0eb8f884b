package model

import "time"

// Game states. Transitions are guarded by conditional updates in the
// repository layer; no other state values are ever written.
const (
	StateInitializing = "initializing"
	StateActionPhase  = "action_phase"
	StateClosing      = "closing"
	StateFinished     = "finished"
	StateFailed       = "failed"
)

// Member roles.
const (
	RolePlayer = "player"
	RoleAdmin  = "admin"
)

// Message types.
const (
	MessageChat   = "chat"
	MessageSystem = "system"
	MessageAction = "action"
)

// Action statuses.
const (
	ActionPending  = "pending"
	ActionApproved = "approved"
	ActionRejected = "rejected"
)

// User represents a registered user.
type User struct {
	ID          string    `json:"id"`
	Provider    string    `json:"provider"`
	ProviderID  string    `json:"provider_id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// GameSettings holds the per-game knobs copied from the lobby room.
type GameSettings struct {
	AllowSuggestions  bool `json:"allow_suggestions"`
	DiscussionTimeSec int  `json:"discussion_time_sec"`
	AutoContinue      bool `json:"auto_continue"`
	ContinueTimeSec   int  `json:"continue_time_sec"`
	RequireAllPlayers bool `json:"require_all_players"`
}

// DefaultSettings returns the settings used when a room carries none.
func DefaultSettings() GameSettings {
	return GameSettings{
		AllowSuggestions:  true,
		DiscussionTimeSec: 300,
		AutoContinue:      false,
		ContinueTimeSec:   60,
		RequireAllPlayers: true,
	}
}

// ActionPhase is the open discussion window for the current chapter.
// Present only while state is action_phase or closing.
type ActionPhase struct {
	StartedAt    time.Time `json:"started_at"`
	EndsAt       time.Time `json:"ends_at"`
	SecondsTotal int       `json:"seconds_total"`
}

// Game represents a running storytelling session.
type Game struct {
	ID             string       `json:"id"`
	RoomID         string       `json:"room_id"`
	Name           string       `json:"name"`
	WorldID        string       `json:"world_id,omitempty"`
	MaxChapters    int          `json:"max_chapters"`
	MaxPlayers     int          `json:"max_players"`
	OwnerID        string       `json:"owner_id"`
	AdminID        string       `json:"admin_id"`
	CurrentChapter int          `json:"current_chapter"`
	State          string       `json:"state"`
	Advancing      bool         `json:"-"`
	Settings       GameSettings `json:"settings"`
	ActionPhase    *ActionPhase `json:"action_phase,omitempty"`
	ContinueReady  []string     `json:"continue_ready"`
	Error          string       `json:"error,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	FinishedAt     *time.Time   `json:"finished_at,omitempty"`
	Members        []Member     `json:"members,omitempty"`
}

// Member represents a player's membership in a game, snapshotted from the
// lobby room when the game starts.
type Member struct {
	GameID      string    `json:"game_id"`
	UserID      string    `json:"user_id"`
	CharacterID string    `json:"character_id,omitempty"`
	Role        string    `json:"role"`
	IsReady     bool      `json:"is_ready"`
	JoinedAt    time.Time `json:"joined_at"`
}

// Chapter is one generated (or admin-written) segment of the story.
type Chapter struct {
	ID            string    `json:"id"`
	GameID        string    `json:"game_id"`
	ChapterNumber int       `json:"chapter_number"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"created_at"`
}

// Action is a player's free-text move for the current chapter.
type Action struct {
	ID            string    `json:"id"`
	GameID        string    `json:"game_id"`
	UserID        string    `json:"user_id"`
	CharacterID   string    `json:"character_id,omitempty"`
	ActionText    string    `json:"action_text"`
	ChapterNumber int       `json:"chapter_number"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// Message is an in-game chat log entry.
type Message struct {
	ID        string    `json:"id"`
	GameID    string    `json:"game_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// Room is the lobby a game is promoted from. Room authoring lives outside
// this service; games read rooms to snapshot members and settings.
type Room struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	WorldID       string          `json:"world_id,omitempty"`
	OwnerID       string          `json:"owner_id"`
	AdminID       string          `json:"admin_id"`
	Status        string          `json:"status"`
	GameID        string          `json:"game_id,omitempty"`
	MaxChapters   int             `json:"max_chapters"`
	MaxPlayers    int             `json:"max_players"`
	MemberIDs     []string        `json:"member_ids"`
	ReadyPlayers  []string        `json:"ready_players"`
	Characters    []RoomCharacter `json:"selected_characters,omitempty"`
	Settings      GameSettings    `json:"settings"`
	CreatedAt     time.Time       `json:"created_at"`
}

// RoomCharacter links a lobby member to their chosen character.
type RoomCharacter struct {
	UserID        string `json:"user_id"`
	CharacterID   string `json:"character_id"`
	CharacterName string `json:"character_name,omitempty"`
	Background    string `json:"background,omitempty"`
}

// World is the setting a game's narrative is generated against.
type World struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Summary     string    `json:"summary,omitempty"`
	Logic       string    `json:"logic,omitempty"`
	TimePeriod  string    `json:"time_period,omitempty"`
	SpaceSetting string   `json:"space_setting,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
