package reverie

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testMemory(t *testing.T, idx Indexer, opts ...MemoryOption) (*Memory, *memStore) {
	t.Helper()
	store := newMemStore()
	clock := NewClock(store)
	return NewMemory(store, idx, clock, opts...), store
}

func TestMemory_AddMessageStampsDefaults(t *testing.T) {
	m, store := testMemory(t, nil)
	ctx := context.Background()

	msg, err := m.AddMessage(ctx, Message{SessionID: "s1", Role: "user", Content: "hi"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if msg.ID == "" {
		t.Error("id not stamped")
	}
	if msg.CreatedAt.IsZero() {
		t.Error("created_at not stamped")
	}
	if msg.Category != CategoryNormal {
		t.Errorf("got category %q, want NORMAL", msg.Category)
	}
	if _, ok := store.sessions["s1"]; !ok {
		t.Error("session not auto-created")
	}
}

func TestMemory_AddMessageRequiresSession(t *testing.T) {
	m, _ := testMemory(t, nil)
	_, err := m.AddMessage(context.Background(), Message{Role: "user", Content: "hi"})
	var invalid *ErrInvalid
	if !errors.As(err, &invalid) {
		t.Fatalf("got %v, want ErrInvalid", err)
	}
}

func TestMemory_MessageCapEvictsOldest(t *testing.T) {
	idx := &fakeIndexer{available: true}
	m, store := testMemory(t, idx, WithMessageCap(3))
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := m.AddMessage(ctx, Message{
			SessionID: "s1", Role: "user",
			Content:   "m",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	count, _ := store.MessageCount(ctx, "s1")
	if count != 3 {
		t.Errorf("got %d messages, want 3", count)
	}
	// Evictions propagate to the mirror.
	if len(idx.deleted) == 0 {
		t.Error("evicted messages not deleted from mirror")
	}
}

func TestMemory_MirrorFailureDoesNotPropagate(t *testing.T) {
	idx := &fakeIndexer{available: true, indexErr: errors.New("mirror down")}
	m, store := testMemory(t, idx)
	ctx := context.Background()

	if _, err := m.AddMessage(ctx, Message{SessionID: "s1", Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("mirror failure surfaced: %v", err)
	}
	count, _ := store.MessageCount(ctx, "s1")
	if count != 1 {
		t.Errorf("store write lost: %d messages", count)
	}
}

func TestMemory_SearchFallsBackWhenMirrorUnavailable(t *testing.T) {
	idx := &fakeIndexer{available: false}
	m, _ := testMemory(t, idx)
	ctx := context.Background()

	m.AddMessage(ctx, Message{SessionID: "s1", Role: "user", Content: "the blue door"})
	m.AddMessage(ctx, Message{SessionID: "s1", Role: "user", Content: "a red window"})

	hits, err := m.SearchMessagesByKeyword(ctx, "s1", "blue", 10, 0, MessageFilter{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].Content != "the blue door" {
		t.Errorf("got %+v, want one blue hit", hits)
	}
	if idx.searchCalls != 0 {
		t.Errorf("queried unavailable mirror %d times", idx.searchCalls)
	}
}

func TestMemory_SearchDedupsAcrossCategories(t *testing.T) {
	shared := Message{ID: "m1", SessionID: "s1", Content: "hello", CreatedAt: time.Now()}
	idx := &fakeIndexer{available: true, searchHits: []Message{shared}}
	m, _ := testMemory(t, idx)

	hits, err := m.SearchMessagesByKeyword(context.Background(), "s1", "hello", 10, 0, MessageFilter{
		Categories: []MessageCategory{CategoryTelegram, CategorySpeakInPerson},
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("got %d hits, want 1 after dedup", len(hits))
	}
	if idx.searchCalls != 2 {
		t.Errorf("got %d mirror queries, want one per category", idx.searchCalls)
	}
}

func TestMemory_AddPeriodValidatesWindow(t *testing.T) {
	m, _ := testMemory(t, nil)
	_, err := m.AddPeriod(context.Background(), Period{
		SessionID:  "s1",
		PeriodType: PeriodSchedule,
		StartAt:    time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
		EndAt:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	var invalid *ErrInvalid
	if !errors.As(err, &invalid) {
		t.Fatalf("got %v, want ErrInvalid", err)
	}
}

func TestMemory_RelationRoundtrip(t *testing.T) {
	m, _ := testMemory(t, nil)
	ctx := context.Background()

	saved, err := m.SetRelation(ctx, "s1", Relation{Name: "Mira", Knowledge: "likes rain"}, "char1")
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if saved.RelationID == "" {
		t.Fatal("relation id not stamped")
	}

	got, err := m.GetRelation(ctx, "s1", saved.RelationID, "char1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Mira" || got.Knowledge != "likes rain" {
		t.Errorf("got %+v", got)
	}

	list, err := m.ListRelations(ctx, "s1", "char1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("got %d relations, want 1", len(list))
	}

	ok, err := m.DeleteRelation(ctx, "s1", saved.RelationID, "char1")
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	if _, err := m.GetRelation(ctx, "s1", saved.RelationID, "char1"); err == nil {
		t.Error("relation still readable after delete")
	}
}

func TestMemory_CountDialogueDefaultsToDialogueCategories(t *testing.T) {
	m, _ := testMemory(t, nil)
	ctx := context.Background()

	m.AddMessage(ctx, Message{SessionID: "s1", Role: "user", Speaker: "user", Category: CategoryTelegram, Content: "a"})
	m.AddMessage(ctx, Message{SessionID: "s1", Role: "user", Speaker: "user", Category: CategorySpeakInPerson, Content: "b"})
	m.AddMessage(ctx, Message{SessionID: "s1", Role: "user", Speaker: "user", Category: CategoryThought, Content: "c"})

	n, err := m.CountDialogueMessages(ctx, "s1", "user", nil)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("got %d, want 2 (thoughts excluded)", n)
	}
}

func TestMemory_GetMessagesByDateCoversCalendarDay(t *testing.T) {
	m, _ := testMemory(t, nil)
	ctx := context.Background()
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	m.AddMessage(ctx, Message{SessionID: "s1", Role: "user", Content: "morning", CreatedAt: day.Add(8 * time.Hour)})
	m.AddMessage(ctx, Message{SessionID: "s1", Role: "user", Content: "night before", CreatedAt: day.Add(-2 * time.Hour)})
	m.AddMessage(ctx, Message{SessionID: "s1", Role: "user", Content: "next day", CreatedAt: day.Add(25 * time.Hour)})

	msgs, _, err := m.GetMessagesByDate(ctx, "s1", day.Add(15*time.Hour), 10, MessageFilter{})
	if err != nil {
		t.Fatalf("by date: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "morning" {
		t.Errorf("got %+v, want only the morning message", msgs)
	}
}
