package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/inkwell/storyloom/api/internal/model"
)

func TestProposeActionRecordsAndReadies(t *testing.T) {
	f := newFixture(t)
	f.seedActiveGame(t, "g1", 1, 5, "u1", "u2")

	action, err := f.coordinator.ProposeAction(context.Background(), "g1", "u2", "  I sneak past the guard  ", "")
	if err != nil {
		t.Fatalf("ProposeAction: %v", err)
	}
	if action.ActionText != "I sneak past the guard" {
		t.Errorf("action text = %q, want trimmed", action.ActionText)
	}
	if action.Status != model.ActionPending {
		t.Errorf("status = %s, want pending", action.Status)
	}
	if action.ChapterNumber != 1 {
		t.Errorf("chapter = %d, want 1", action.ChapterNumber)
	}

	game := f.games.get("g1")
	if len(game.ContinueReady) != 1 || game.ContinueReady[0] != "u2" {
		t.Errorf("continue_ready = %v, want [u2]", game.ContinueReady)
	}
	if _, ok := f.bc.last("game:g1", "actions_updated"); !ok {
		t.Error("actions_updated not broadcast")
	}
	if _, ok := f.bc.last("game:g1", "continue_update"); !ok {
		t.Error("continue_update not broadcast")
	}
}

func TestProposeActionReplacesPending(t *testing.T) {
	f := newFixture(t)
	f.seedActiveGame(t, "g1", 1, 5, "u1", "u2")

	if _, err := f.coordinator.ProposeAction(context.Background(), "g1", "u2", "first idea", ""); err != nil {
		t.Fatalf("first ProposeAction: %v", err)
	}
	if _, err := f.coordinator.ProposeAction(context.Background(), "g1", "u2", "second idea", ""); err != nil {
		t.Fatalf("second ProposeAction: %v", err)
	}

	pending, _ := f.actions.ListByGame(context.Background(), "g1", model.ActionPending)
	if len(pending) != 1 {
		t.Fatalf("pending actions = %d, want 1", len(pending))
	}
	if pending[0].ActionText != "second idea" {
		t.Errorf("pending text = %q, want second idea", pending[0].ActionText)
	}
}

func TestProposeActionDefaultsCharacter(t *testing.T) {
	f := newFixture(t)
	f.seedActiveGame(t, "g1", 1, 5, "u1")
	f.members.Insert(context.Background(), model.Member{GameID: "g1", UserID: "u3", CharacterID: "char-7", Role: model.RolePlayer})

	action, err := f.coordinator.ProposeAction(context.Background(), "g1", "u3", "draw my sword", "")
	if err != nil {
		t.Fatalf("ProposeAction: %v", err)
	}
	if action.CharacterID != "char-7" {
		t.Errorf("character = %q, want member's char-7", action.CharacterID)
	}
}

func TestProposeActionStateGuards(t *testing.T) {
	f := newFixture(t)
	game := f.seedActiveGame(t, "g1", 1, 5, "u1")

	game.State = model.StateClosing
	f.games.put(game)
	if _, err := f.coordinator.ProposeAction(context.Background(), "g1", "u1", "too late", ""); !errors.Is(err, ErrPhaseClosing) {
		t.Errorf("closing err = %v, want ErrPhaseClosing", err)
	}

	game.State = model.StateFinished
	f.games.put(game)
	if _, err := f.coordinator.ProposeAction(context.Background(), "g1", "u1", "over", ""); !errors.Is(err, ErrWrongState) {
		t.Errorf("finished err = %v, want ErrWrongState", err)
	}
}

func TestProposeActionValidation(t *testing.T) {
	f := newFixture(t)
	f.seedActiveGame(t, "g1", 1, 5, "u1")

	if _, err := f.coordinator.ProposeAction(context.Background(), "g1", "u1", "   ", ""); !errors.Is(err, ErrEmptyAction) {
		t.Errorf("empty err = %v, want ErrEmptyAction", err)
	}
	if _, err := f.coordinator.ProposeAction(context.Background(), "g1", "stranger", "hello", ""); !errors.Is(err, ErrNotMember) {
		t.Errorf("non-member err = %v, want ErrNotMember", err)
	}
	if _, err := f.coordinator.ProposeAction(context.Background(), "missing", "u1", "hello", ""); !errors.Is(err, ErrGameNotFound) {
		t.Errorf("missing game err = %v, want ErrGameNotFound", err)
	}
}

func TestMarkContinueIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedActiveGame(t, "g1", 1, 5, "u1", "u2", "u3")

	for i := 0; i < 3; i++ {
		if err := f.coordinator.MarkContinue(context.Background(), "g1", "u2", true); err != nil {
			t.Fatalf("MarkContinue: %v", err)
		}
	}
	if game := f.games.get("g1"); len(game.ContinueReady) != 1 {
		t.Errorf("continue_ready = %v, want single entry", game.ContinueReady)
	}

	if err := f.coordinator.MarkContinue(context.Background(), "g1", "u2", false); err != nil {
		t.Fatalf("MarkContinue unready: %v", err)
	}
	if game := f.games.get("g1"); len(game.ContinueReady) != 0 {
		t.Errorf("continue_ready = %v, want empty", game.ContinueReady)
	}
}

func TestMarkContinueQuorumFinalizes(t *testing.T) {
	f := newFixture(t)
	f.seedActiveGame(t, "g1", 1, 5, "u1", "u2")

	if err := f.coordinator.MarkContinue(context.Background(), "g1", "u1", true); err != nil {
		t.Fatalf("MarkContinue u1: %v", err)
	}
	if game := f.games.get("g1"); game.CurrentChapter != 1 {
		t.Fatalf("game advanced before quorum, chapter = %d", game.CurrentChapter)
	}

	if err := f.coordinator.MarkContinue(context.Background(), "g1", "u2", true); err != nil {
		t.Fatalf("MarkContinue u2: %v", err)
	}
	waitFor(t, "quorum finalize", func() bool {
		return f.games.get("g1").CurrentChapter == 2
	})
}

func TestMarkContinuePartialQuorum(t *testing.T) {
	f := newFixture(t)
	game := f.seedActiveGame(t, "g1", 1, 5, "u1", "u2", "u3", "u4", "u5")
	game.Settings.RequireAllPlayers = false
	f.games.put(game)

	// ceil(0.6 * 5) = 3 players close the phase early.
	for _, u := range []string{"u1", "u2"} {
		if err := f.coordinator.MarkContinue(context.Background(), "g1", u, true); err != nil {
			t.Fatalf("MarkContinue %s: %v", u, err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if g := f.games.get("g1"); g.CurrentChapter != 1 {
		t.Fatalf("game advanced at 2/5 ready, chapter = %d", g.CurrentChapter)
	}

	if err := f.coordinator.MarkContinue(context.Background(), "g1", "u3", true); err != nil {
		t.Fatalf("MarkContinue u3: %v", err)
	}
	waitFor(t, "60%% quorum finalize", func() bool {
		return f.games.get("g1").CurrentChapter == 2
	})
}

func TestPostMessage(t *testing.T) {
	f := newFixture(t)
	f.seedActiveGame(t, "g1", 1, 5, "u1", "u2")

	msg, err := f.coordinator.PostMessage(context.Background(), "g1", "u2", "hello everyone", model.MessageChat)
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if msg.Content != "hello everyone" || msg.Type != model.MessageChat {
		t.Errorf("message = %+v", msg)
	}
	e, ok := f.bc.last("game:g1", "new_message")
	if !ok {
		t.Fatal("new_message not broadcast")
	}
	if e.data["content"] != "hello everyone" {
		t.Errorf("broadcast content = %v", e.data["content"])
	}

	if _, err := f.coordinator.PostMessage(context.Background(), "g1", "u2", "   ", model.MessageChat); !errors.Is(err, ErrEmptyAction) {
		t.Errorf("empty err = %v, want ErrEmptyAction", err)
	}
}

func TestPostMessageFailedGame(t *testing.T) {
	f := newFixture(t)
	game := f.seedActiveGame(t, "g1", 1, 5, "u1")
	game.State = model.StateFailed
	f.games.put(game)

	if _, err := f.coordinator.PostMessage(context.Background(), "g1", "u1", "anyone?", model.MessageChat); !errors.Is(err, ErrGameOver) {
		t.Errorf("err = %v, want ErrGameOver", err)
	}
}

func TestLeaveGame(t *testing.T) {
	f := newFixture(t)
	f.seedActiveGame(t, "g1", 1, 5, "u1", "u2", "u3")
	f.games.AddContinueReady(context.Background(), "g1", "u3")

	if err := f.coordinator.LeaveGame(context.Background(), "g1", "u3"); err != nil {
		t.Fatalf("LeaveGame: %v", err)
	}

	if m, _ := f.members.Find(context.Background(), "g1", "u3"); m != nil {
		t.Error("member not removed")
	}
	if game := f.games.get("g1"); len(game.ContinueReady) != 0 {
		t.Errorf("continue_ready = %v, want cleared", game.ContinueReady)
	}
	if err := f.coordinator.LeaveGame(context.Background(), "g1", "u3"); !errors.Is(err, ErrNotMember) {
		t.Errorf("second leave err = %v, want ErrNotMember", err)
	}
}

func TestUpdateSettings(t *testing.T) {
	f := newFixture(t)
	f.seedActiveGame(t, "g1", 1, 5, "u1", "u2")

	discussion := 120
	maxCh := 8
	game, err := f.coordinator.UpdateSettings(context.Background(), "g1", "u1", SettingsPatch{
		DiscussionTimeSec: &discussion,
		MaxChapters:       &maxCh,
	})
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if game.Settings.DiscussionTimeSec != 120 || game.MaxChapters != 8 {
		t.Errorf("settings not applied: %+v maxChapters=%d", game.Settings, game.MaxChapters)
	}
	// Untouched fields keep their values.
	if !game.Settings.RequireAllPlayers {
		t.Error("require_all_players changed without a patch field")
	}

	stored := f.games.get("g1")
	if stored.Settings.DiscussionTimeSec != 120 || stored.MaxChapters != 8 {
		t.Error("settings not persisted")
	}
}

func TestUpdateSettingsAuthorization(t *testing.T) {
	f := newFixture(t)
	f.seedActiveGame(t, "g1", 1, 5, "u1", "u2")

	auto := true
	if _, err := f.coordinator.UpdateSettings(context.Background(), "g1", "u2", SettingsPatch{AutoContinue: &auto}); !errors.Is(err, ErrNotAdmin) {
		t.Errorf("non-admin err = %v, want ErrNotAdmin", err)
	}
}

func TestUpdateSettingsValidation(t *testing.T) {
	f := newFixture(t)
	f.seedActiveGame(t, "g1", 3, 5, "u1")

	for name, patch := range map[string]SettingsPatch{
		"zero max chapters":      {MaxChapters: intPtr(0)},
		"max chapters above cap": {MaxChapters: intPtr(21)},
		"max below current":      {MaxChapters: intPtr(2)},
		"zero discussion time":   {DiscussionTimeSec: intPtr(0)},
		"zero continue time":     {ContinueTimeSec: intPtr(0)},
	} {
		if _, err := f.coordinator.UpdateSettings(context.Background(), "g1", "u1", patch); !errors.Is(err, ErrInvalidSettings) {
			t.Errorf("%s: err = %v, want ErrInvalidSettings", name, err)
		}
	}
}

func intPtr(n int) *int { return &n }

func TestAddChapterAdminOverride(t *testing.T) {
	f := newFixture(t)
	f.seedActiveGame(t, "g1", 1, 5, "u1", "u2")

	ch, err := f.coordinator.AddChapter(context.Background(), "g1", "u1", "An unexpected twist.")
	if err != nil {
		t.Fatalf("AddChapter: %v", err)
	}
	if ch.ChapterNumber != 2 || ch.Content != "An unexpected twist." {
		t.Errorf("chapter = %+v", ch)
	}
	if calls := f.gen.calls(); len(calls) != 0 {
		t.Errorf("generator called for admin chapter")
	}
	if g := f.games.get("g1"); g.CurrentChapter != 2 {
		t.Errorf("game chapter = %d, want 2", g.CurrentChapter)
	}
}

func TestAddChapterGuards(t *testing.T) {
	f := newFixture(t)
	game := f.seedActiveGame(t, "g1", 1, 5, "u1", "u2")

	if _, err := f.coordinator.AddChapter(context.Background(), "g1", "u2", "text"); !errors.Is(err, ErrNotAdmin) {
		t.Errorf("non-admin err = %v, want ErrNotAdmin", err)
	}
	if _, err := f.coordinator.AddChapter(context.Background(), "g1", "u1", "  "); !errors.Is(err, ErrEmptyAction) {
		t.Errorf("empty err = %v, want ErrEmptyAction", err)
	}

	game.State = model.StateClosing
	f.games.put(game)
	if _, err := f.coordinator.AddChapter(context.Background(), "g1", "u1", "text"); !errors.Is(err, ErrPhaseClosing) {
		t.Errorf("closing err = %v, want ErrPhaseClosing", err)
	}
}

func TestEnsureMembershipRepairsFromRoom(t *testing.T) {
	f := newFixture(t)
	f.seedActiveGame(t, "g1", 1, 5, "u1", "u2")
	room, _ := f.rooms.FindByID(context.Background(), "room-g1")
	room.MemberIDs = []string{"u1", "u2", "u3"}
	room.Characters = []model.RoomCharacter{{UserID: "u3", CharacterID: "char-3"}}
	f.rooms.put(room)
	// u3 was in the room but the membership snapshot missed them.

	if err := f.coordinator.EnsureMembership(context.Background(), "g1", "u3"); err != nil {
		t.Fatalf("EnsureMembership: %v", err)
	}
	m, _ := f.members.Find(context.Background(), "g1", "u3")
	if m == nil {
		t.Fatal("membership not repaired")
	}
	if m.Role != model.RolePlayer || m.CharacterID != "char-3" {
		t.Errorf("repaired member = %+v", m)
	}

	// Existing members pass straight through.
	if err := f.coordinator.EnsureMembership(context.Background(), "g1", "u1"); err != nil {
		t.Errorf("existing member err = %v", err)
	}
	// Strangers stay out.
	if err := f.coordinator.EnsureMembership(context.Background(), "g1", "u9"); !errors.Is(err, ErrNotMember) {
		t.Errorf("stranger err = %v, want ErrNotMember", err)
	}
}

func TestPhaseStartedEvent(t *testing.T) {
	f := newFixture(t)
	game := f.seedActiveGame(t, "g1", 1, 5, "u1")

	payload, ok := f.coordinator.PhaseStartedEvent(context.Background(), "g1")
	if !ok {
		t.Fatal("expected payload for open phase")
	}
	if payload["seconds_total"] != 300 {
		t.Errorf("seconds_total = %v", payload["seconds_total"])
	}
	if payload["ends_at"] == "" {
		t.Error("ends_at missing")
	}

	game.State = model.StateFinished
	game.ActionPhase = nil
	f.games.put(game)
	if _, ok := f.coordinator.PhaseStartedEvent(context.Background(), "g1"); ok {
		t.Error("payload returned for finished game")
	}
}

func TestGetGameAttachesMembers(t *testing.T) {
	f := newFixture(t)
	f.seedActiveGame(t, "g1", 1, 5, "u1", "u2")

	game, err := f.coordinator.GetGame(context.Background(), "g1")
	if err != nil {
		t.Fatalf("GetGame: %v", err)
	}
	if len(game.Members) != 2 {
		t.Errorf("members = %d, want 2", len(game.Members))
	}
	if _, err := f.coordinator.GetGame(context.Background(), "missing"); !errors.Is(err, ErrGameNotFound) {
		t.Errorf("missing err = %v, want ErrGameNotFound", err)
	}
}
