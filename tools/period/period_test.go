package period

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nevindra/reverie"
	"github.com/nevindra/reverie/store/sqlite"
)

func testMemory(t *testing.T) *reverie.Memory {
	t.Helper()
	store := sqlite.New(filepath.Join(t.TempDir(), "mem.db"))
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return reverie.NewMemory(store, nil, reverie.NewClock(store))
}

func toolCtx(mem *reverie.Memory) *reverie.ToolContext {
	return &reverie.ToolContext{SessionID: "s1", CharacterID: "lina", Memory: mem}
}

func TestWriter_AddCreatesEntry(t *testing.T) {
	mem := testMemory(t)
	ctx := context.Background()

	res, err := ScheduleWriter().Execute(ctx, json.RawMessage(
		`{"action":"add","title":"Dentist","content":"annual checkup",
		  "start_time":"2025-06-01 09:00:00","end_time":"2025-06-01 10:00:00"}`), toolCtx(mem))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Error != "" || !strings.HasPrefix(res.Content, "Created schedule entry") {
		t.Fatalf("result %+v", res)
	}

	periods, err := mem.ListPeriods(ctx, "s1", reverie.PeriodFilter{PeriodType: reverie.PeriodSchedule})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(periods) != 1 || periods[0].Title != "Dentist" || periods[0].CharacterID != "lina" {
		t.Errorf("periods %+v", periods)
	}
}

func TestWriter_AddRequiresWindow(t *testing.T) {
	mem := testMemory(t)
	res, err := ScheduleWriter().Execute(context.Background(),
		json.RawMessage(`{"action":"add","title":"No window"}`), toolCtx(mem))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Error != "start_time and end_time are required for add" {
		t.Errorf("result %+v", res)
	}
}

func TestWriter_AddRejectsInvertedWindow(t *testing.T) {
	mem := testMemory(t)
	res, err := ScenarioWriter().Execute(context.Background(), json.RawMessage(
		`{"action":"add","title":"Backwards",
		  "start_time":"2025-06-02 10:00:00","end_time":"2025-06-01 10:00:00"}`), toolCtx(mem))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Error != "start_time is after end_time" {
		t.Errorf("result %+v", res)
	}
}

func TestWriter_UpdateKeepsUnsentFields(t *testing.T) {
	mem := testMemory(t)
	ctx := context.Background()
	seed, err := mem.AddPeriod(ctx, reverie.Period{
		SessionID:  "s1",
		PeriodID:   "sch-1",
		PeriodType: reverie.PeriodSchedule,
		Title:      "Gym",
		Content:    "leg day",
		StartAt:    time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC),
		EndAt:      time.Date(2025, 6, 1, 19, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := ScheduleWriter().Execute(ctx, json.RawMessage(
		`{"action":"update","period_id":"sch-1","content":"upper body"}`), toolCtx(mem))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Error != "" {
		t.Fatalf("result %+v", res)
	}

	got, err := mem.GetPeriod(ctx, "s1", seed.PeriodID, reverie.PeriodSchedule)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Gym" || got.Content != "upper body" {
		t.Errorf("period %+v", got)
	}
	if !got.StartAt.Equal(seed.StartAt) {
		t.Errorf("start changed: %v != %v", got.StartAt, seed.StartAt)
	}
}

func TestWriter_UpdateUnknownID(t *testing.T) {
	mem := testMemory(t)
	res, err := ScheduleWriter().Execute(context.Background(),
		json.RawMessage(`{"action":"update","period_id":"nope","title":"x"}`), toolCtx(mem))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(res.Error, "not found") {
		t.Errorf("result %+v", res)
	}
}

func TestWriter_DeleteRemovesEntry(t *testing.T) {
	mem := testMemory(t)
	ctx := context.Background()
	if _, err := mem.AddPeriod(ctx, reverie.Period{
		SessionID:  "s1",
		PeriodID:   "scn-1",
		PeriodType: reverie.PeriodScenario,
		Title:      "Rainy evening",
		StartAt:    time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		EndAt:      time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := ScenarioWriter().Execute(ctx,
		json.RawMessage(`{"action":"delete","period_id":"scn-1"}`), toolCtx(mem))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Error != "" || !strings.Contains(res.Content, "Deleted scenario scn-1") {
		t.Fatalf("result %+v", res)
	}
	if _, err := mem.GetPeriod(ctx, "s1", "scn-1", reverie.PeriodScenario); err == nil {
		t.Error("scenario still present after delete")
	}
}

func TestWriter_UnknownAction(t *testing.T) {
	mem := testMemory(t)
	res, err := ScheduleWriter().Execute(context.Background(),
		json.RawMessage(`{"action":"archive"}`), toolCtx(mem))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(res.Error, `unknown action "archive"`) {
		t.Errorf("result %+v", res)
	}
}

func TestReader_DefaultReadsCurrentTime(t *testing.T) {
	mem := testMemory(t)
	ctx := context.Background()
	// Window wide enough to cover "now" on an identity clock.
	if _, err := mem.AddPeriod(ctx, reverie.Period{
		SessionID:  "s1",
		PeriodID:   "sch-now",
		PeriodType: reverie.PeriodSchedule,
		Title:      "Standing plans",
		StartAt:    time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		EndAt:      time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := mem.AddPeriod(ctx, reverie.Period{
		SessionID:  "s1",
		PeriodID:   "sch-past",
		PeriodType: reverie.PeriodSchedule,
		Title:      "Long over",
		StartAt:    time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC),
		EndAt:      time.Date(1999, 1, 2, 0, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := ScheduleReader().Execute(ctx, json.RawMessage(`{}`), toolCtx(mem))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(res.Content, "Standing plans") {
		t.Errorf("missing covering entry:\n%s", res.Content)
	}
	if strings.Contains(res.Content, "Long over") {
		t.Errorf("expired entry returned:\n%s", res.Content)
	}
}

func TestReader_ByDate(t *testing.T) {
	mem := testMemory(t)
	ctx := context.Background()
	if _, err := mem.AddPeriod(ctx, reverie.Period{
		SessionID:  "s1",
		PeriodID:   "scn-day",
		PeriodType: reverie.PeriodScenario,
		Title:      "Festival",
		Content:    "the town square is decorated",
		StartAt:    time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC),
		EndAt:      time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := ScenarioReader().Execute(ctx, json.RawMessage(`{"date":"2025-06-01"}`), toolCtx(mem))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(res.Content, "Festival") || !strings.Contains(res.Content, "town square") {
		t.Errorf("content:\n%s", res.Content)
	}

	res, err = ScenarioReader().Execute(ctx, json.RawMessage(`{"date":"2025-06-03"}`), toolCtx(mem))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Content != "No scenarios found." {
		t.Errorf("result %+v", res)
	}
}

func TestReader_Range(t *testing.T) {
	mem := testMemory(t)
	ctx := context.Background()
	if _, err := mem.AddPeriod(ctx, reverie.Period{
		SessionID:  "s1",
		PeriodID:   "sch-r",
		PeriodType: reverie.PeriodSchedule,
		Title:      "Lunch",
		StartAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		EndAt:      time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := ScheduleReader().Execute(ctx, json.RawMessage(
		`{"start_time":"2025-06-01 12:30:00","end_time":"2025-06-01 14:00:00"}`), toolCtx(mem))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(res.Content, "Lunch") {
		t.Errorf("content:\n%s", res.Content)
	}
}

func TestReader_InvalidDate(t *testing.T) {
	mem := testMemory(t)
	res, err := ScheduleReader().Execute(context.Background(),
		json.RawMessage(`{"date":"June 1st"}`), toolCtx(mem))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(res.Error, "invalid date") {
		t.Errorf("result %+v", res)
	}
}
