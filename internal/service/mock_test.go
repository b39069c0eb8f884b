package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/inkwell/storyloom/api/internal/model"
	"github.com/inkwell/storyloom/api/internal/narrative"
	"github.com/inkwell/storyloom/api/internal/repository"
)

// In-memory repository doubles. All of them are mutex-guarded because the
// engine spawns goroutines (timer ticks, background finalizes) during tests.

type mockGameRepo struct {
	mu      sync.Mutex
	seq     int
	games   map[string]*model.Game
	deleted []string
}

func newMockGameRepo() *mockGameRepo {
	return &mockGameRepo{games: make(map[string]*model.Game)}
}

func cloneGame(g *model.Game) *model.Game {
	cp := *g
	if g.ActionPhase != nil {
		p := *g.ActionPhase
		cp.ActionPhase = &p
	}
	cp.ContinueReady = append([]string(nil), g.ContinueReady...)
	return &cp
}

func (r *mockGameRepo) put(g *model.Game) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.games[g.ID] = cloneGame(g)
}

func (r *mockGameRepo) get(id string) *model.Game {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.games[id]
	if !ok {
		return nil
	}
	return cloneGame(g)
}

func (r *mockGameRepo) Create(ctx context.Context, g *model.Game) (*model.Game, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	cp := cloneGame(g)
	cp.ID = fmt.Sprintf("game-%d", r.seq)
	cp.CreatedAt = time.Now()
	r.games[cp.ID] = cp
	return cloneGame(cp), nil
}

func (r *mockGameRepo) FindByID(ctx context.Context, id string) (*model.Game, error) {
	return r.get(id), nil
}

func (r *mockGameRepo) ListByUser(ctx context.Context, userID string) ([]model.Game, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Game
	for _, g := range r.games {
		out = append(out, *cloneGame(g))
	}
	return out, nil
}

func (r *mockGameRepo) ListActive(ctx context.Context) ([]model.Game, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Game
	for _, g := range r.games {
		switch g.State {
		case model.StateInitializing, model.StateActionPhase, model.StateClosing:
			out = append(out, *cloneGame(g))
		}
	}
	return out, nil
}

func (r *mockGameRepo) ListExpired(ctx context.Context) ([]model.Game, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Game
	for _, g := range r.games {
		if g.State == model.StateActionPhase && g.ActionPhase != nil && g.ActionPhase.EndsAt.Before(time.Now()) {
			out = append(out, *cloneGame(g))
		}
	}
	return out, nil
}

func (r *mockGameRepo) Delete(ctx context.Context, gameID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.games, gameID)
	r.deleted = append(r.deleted, gameID)
	return nil
}

func (r *mockGameRepo) AcquireAdvance(ctx context.Context, gameID string, expectedChapter int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.games[gameID]
	if !ok || g.State != model.StateActionPhase || g.CurrentChapter != expectedChapter || g.Advancing {
		return false, nil
	}
	g.Advancing = true
	g.State = model.StateClosing
	return true, nil
}

func (r *mockGameRepo) ReleaseAdvance(ctx context.Context, gameID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.games[gameID]; ok {
		g.Advancing = false
	}
	return nil
}

func (r *mockGameRepo) OpenNextPhase(ctx context.Context, gameID string, chapter int, phase model.ActionPhase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.games[gameID]
	if !ok {
		return nil
	}
	g.CurrentChapter = chapter
	g.State = model.StateActionPhase
	g.ActionPhase = &phase
	g.ContinueReady = nil
	g.Advancing = false
	return nil
}

func (r *mockGameRepo) ActivateFirstChapter(ctx context.Context, gameID string, phase model.ActionPhase) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.games[gameID]
	if !ok || g.State != model.StateInitializing {
		return false, nil
	}
	g.CurrentChapter = 1
	g.State = model.StateActionPhase
	g.ActionPhase = &phase
	g.ContinueReady = nil
	return true, nil
}

func (r *mockGameRepo) Finish(ctx context.Context, gameID string, chapter int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.games[gameID]
	if !ok {
		return nil
	}
	g.CurrentChapter = chapter
	g.State = model.StateFinished
	g.ActionPhase = nil
	g.ContinueReady = nil
	g.Advancing = false
	g.FinishedAt = &at
	return nil
}

func (r *mockGameRepo) Fail(ctx context.Context, gameID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.games[gameID]; ok {
		g.State = model.StateFailed
		g.Error = reason
		g.ActionPhase = nil
	}
	return nil
}

func (r *mockGameRepo) AddContinueReady(ctx context.Context, gameID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.games[gameID]
	if !ok {
		return nil
	}
	for _, id := range g.ContinueReady {
		if id == userID {
			return nil
		}
	}
	g.ContinueReady = append(g.ContinueReady, userID)
	return nil
}

func (r *mockGameRepo) RemoveContinueReady(ctx context.Context, gameID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.games[gameID]
	if !ok {
		return nil
	}
	out := g.ContinueReady[:0]
	for _, id := range g.ContinueReady {
		if id != userID {
			out = append(out, id)
		}
	}
	g.ContinueReady = out
	return nil
}

func (r *mockGameRepo) UpdateSettings(ctx context.Context, gameID string, settings model.GameSettings, maxChapters int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.games[gameID]; ok {
		g.Settings = settings
		g.MaxChapters = maxChapters
	}
	return nil
}

type mockRoomRepo struct {
	mu    sync.Mutex
	rooms map[string]*model.Room
	// onLink, when set, replaces the default LinkGame behavior. Used to
	// simulate losing the start race.
	onLink func(roomID, gameID string) (bool, error)
}

func newMockRoomRepo() *mockRoomRepo {
	return &mockRoomRepo{rooms: make(map[string]*model.Room)}
}

func (r *mockRoomRepo) put(room *model.Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *room
	r.rooms[room.ID] = &cp
}

func (r *mockRoomRepo) FindByID(ctx context.Context, id string) (*model.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	if !ok {
		return nil, nil
	}
	cp := *room
	return &cp, nil
}

func (r *mockRoomRepo) FindByGameID(ctx context.Context, gameID string) (*model.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, room := range r.rooms {
		if room.GameID == gameID {
			cp := *room
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *mockRoomRepo) LinkGame(ctx context.Context, roomID, gameID string) (bool, error) {
	if r.onLink != nil {
		return r.onLink(roomID, gameID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok || room.GameID != "" {
		return false, nil
	}
	room.GameID = gameID
	room.Status = "closing"
	return true, nil
}

func (r *mockRoomRepo) SetStatus(ctx context.Context, roomID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[roomID]; ok {
		room.Status = status
	}
	return nil
}

type mockMemberRepo struct {
	mu      sync.Mutex
	members map[string]map[string]model.Member // gameID -> userID -> member
}

func newMockMemberRepo() *mockMemberRepo {
	return &mockMemberRepo{members: make(map[string]map[string]model.Member)}
}

func (r *mockMemberRepo) List(ctx context.Context, gameID string) ([]model.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Member
	for _, m := range r.members[gameID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (r *mockMemberRepo) Find(ctx context.Context, gameID, userID string) (*model.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[gameID][userID]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (r *mockMemberRepo) Insert(ctx context.Context, m model.Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[m.GameID] == nil {
		r.members[m.GameID] = make(map[string]model.Member)
	}
	if _, exists := r.members[m.GameID][m.UserID]; exists {
		return nil
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now()
	}
	r.members[m.GameID][m.UserID] = m
	return nil
}

func (r *mockMemberRepo) Remove(ctx context.Context, gameID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members[gameID], userID)
	return nil
}

type mockChapterRepo struct {
	mu       sync.Mutex
	seq      int
	chapters map[string]map[int]model.Chapter // gameID -> number -> chapter
}

func newMockChapterRepo() *mockChapterRepo {
	return &mockChapterRepo{chapters: make(map[string]map[int]model.Chapter)}
}

func (r *mockChapterRepo) Append(ctx context.Context, gameID string, number int, content string) (*model.Chapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.chapters[gameID] == nil {
		r.chapters[gameID] = make(map[int]model.Chapter)
	}
	if _, exists := r.chapters[gameID][number]; exists {
		return nil, repository.ErrDuplicateChapter
	}
	r.seq++
	ch := model.Chapter{
		ID:            fmt.Sprintf("chapter-%d", r.seq),
		GameID:        gameID,
		ChapterNumber: number,
		Content:       content,
		CreatedAt:     time.Now(),
	}
	r.chapters[gameID][number] = ch
	return &ch, nil
}

func (r *mockChapterRepo) List(ctx context.Context, gameID string) ([]model.Chapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Chapter
	for _, ch := range r.chapters[gameID] {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChapterNumber < out[j].ChapterNumber })
	return out, nil
}

func (r *mockChapterRepo) get(gameID string, number int) *model.Chapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.chapters[gameID][number]
	if !ok {
		return nil
	}
	return &ch
}

func (r *mockChapterRepo) count(gameID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chapters[gameID])
}

type mockActionRepo struct {
	mu      sync.Mutex
	seq     int
	actions []model.Action
}

func newMockActionRepo() *mockActionRepo { return &mockActionRepo{} }

func (r *mockActionRepo) ReplacePending(ctx context.Context, a model.Action) (*model.Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.actions[:0]
	for _, old := range r.actions {
		if old.GameID == a.GameID && old.UserID == a.UserID &&
			old.ChapterNumber == a.ChapterNumber && old.Status == model.ActionPending {
			continue
		}
		out = append(out, old)
	}
	r.actions = out
	r.seq++
	a.ID = fmt.Sprintf("action-%d", r.seq)
	a.CreatedAt = time.Now()
	r.actions = append(r.actions, a)
	return &a, nil
}

func (r *mockActionRepo) ListByChapter(ctx context.Context, gameID string, chapter int) ([]model.Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Action
	for _, a := range r.actions {
		if a.GameID == gameID && a.ChapterNumber == chapter {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *mockActionRepo) ListByGame(ctx context.Context, gameID, status string) ([]model.Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Action
	for _, a := range r.actions {
		if a.GameID == gameID && (status == "" || a.Status == status) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *mockActionRepo) ArchivePending(ctx context.Context, gameID string, chapter int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, a := range r.actions {
		if a.GameID == gameID && a.ChapterNumber == chapter && a.Status == model.ActionPending {
			r.actions[i].Status = model.ActionApproved
		}
	}
	return nil
}

type mockMessageRepo struct {
	mu       sync.Mutex
	seq      int
	messages []model.Message
}

func newMockMessageRepo() *mockMessageRepo { return &mockMessageRepo{} }

func (r *mockMessageRepo) Create(ctx context.Context, gameID, userID, content, msgType string) (*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	msg := model.Message{
		ID:        fmt.Sprintf("msg-%d", r.seq),
		GameID:    gameID,
		UserID:    userID,
		Content:   content,
		Type:      msgType,
		CreatedAt: time.Now(),
	}
	r.messages = append(r.messages, msg)
	return &msg, nil
}

func (r *mockMessageRepo) ListByGame(ctx context.Context, gameID string) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Message
	for _, m := range r.messages {
		if m.GameID == gameID {
			out = append(out, m)
		}
	}
	return out, nil
}

type mockWorldRepo struct {
	mu     sync.Mutex
	worlds map[string]*model.World
}

func newMockWorldRepo() *mockWorldRepo {
	return &mockWorldRepo{worlds: make(map[string]*model.World)}
}

func (r *mockWorldRepo) FindByID(ctx context.Context, id string) (*model.World, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.worlds[id]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

type mockTimerCache struct {
	mu      sync.Mutex
	timers  map[string]time.Time
	deleted []string
}

func newMockTimerCache() *mockTimerCache {
	return &mockTimerCache{timers: make(map[string]time.Time)}
}

func (c *mockTimerCache) SetTimer(ctx context.Context, gameID string, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers[gameID] = deadline
	return nil
}

func (c *mockTimerCache) ClearTimer(ctx context.Context, gameID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.timers, gameID)
	return nil
}

func (c *mockTimerCache) DeleteGameData(ctx context.Context, gameID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.timers, gameID)
	c.deleted = append(c.deleted, gameID)
	return nil
}

func (c *mockTimerCache) hasTimer(gameID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.timers[gameID]
	return ok
}

// captureBroadcaster records every event for assertions.

type capturedEvent struct {
	channel string // "game:{id}" or "room:{id}"
	event   string
	data    map[string]any
}

type captureBroadcaster struct {
	mu     sync.Mutex
	events []capturedEvent
}

func newCaptureBroadcaster() *captureBroadcaster { return &captureBroadcaster{} }

func (b *captureBroadcaster) BroadcastGameEvent(gameID, eventType string, data any) {
	b.record("game:"+gameID, eventType, data)
}

func (b *captureBroadcaster) BroadcastRoomEvent(roomID, eventType string, data any) {
	b.record("room:"+roomID, eventType, data)
}

func (b *captureBroadcaster) record(channel, eventType string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, _ := data.(map[string]any)
	b.events = append(b.events, capturedEvent{channel: channel, event: eventType, data: m})
}

// types returns the event names sent to a channel, in order.
func (b *captureBroadcaster) types(channel string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, e := range b.events {
		if e.channel == channel {
			out = append(out, e.event)
		}
	}
	return out
}

// last returns the most recent event of the given type on a channel.
func (b *captureBroadcaster) last(channel, eventType string) (capturedEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.events) - 1; i >= 0; i-- {
		if b.events[i].channel == channel && b.events[i].event == eventType {
			return b.events[i], true
		}
	}
	return capturedEvent{}, false
}

func (b *captureBroadcaster) count(channel, eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.channel == channel && e.event == eventType {
			n++
		}
	}
	return n
}

// mockGenerator returns canned text and records the kinds it was asked for.

type mockGenerator struct {
	mu    sync.Mutex
	text  string
	err   error
	kinds []narrative.Kind
}

func (g *mockGenerator) Generate(ctx context.Context, kind narrative.Kind, gc narrative.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.kinds = append(g.kinds, kind)
	if g.err != nil {
		return "", g.err
	}
	if g.text != "" {
		return g.text, nil
	}
	return "Generated chapter text.", nil
}

func (g *mockGenerator) calls() []narrative.Kind {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]narrative.Kind(nil), g.kinds...)
}
