// Package period provides reader and writer tools over the unified
// schedule/scenario/event records.
package period

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nevindra/reverie"
)

const (
	NameScheduleReader = "schedule_reader"
	NameScheduleWriter = "schedule_writer"
	NameScenarioReader = "scenario_reader"
	NameScenarioWriter = "scenario_writer"
)

// ScheduleReader reads the character's schedule entries.
func ScheduleReader() reverie.Tool {
	return &reader{
		name:        NameScheduleReader,
		description: "Read schedule entries. Omit both date and range to read entries covering the current time.",
		periodType:  reverie.PeriodSchedule,
		noun:        "schedule entries",
	}
}

// ScenarioReader reads the active scenario descriptions.
func ScenarioReader() reverie.Tool {
	return &reader{
		name:        NameScenarioReader,
		description: "Read scenario descriptions. Omit both date and range to read scenarios covering the current time.",
		periodType:  reverie.PeriodScenario,
		noun:        "scenarios",
	}
}

// ScheduleWriter creates, updates, and deletes schedule entries.
func ScheduleWriter() reverie.Tool {
	return &writer{
		name:        NameScheduleWriter,
		description: "Create, update, or delete a schedule entry.",
		periodType:  reverie.PeriodSchedule,
		noun:        "schedule entry",
	}
}

// ScenarioWriter creates, updates, and deletes scenarios.
func ScenarioWriter() reverie.Tool {
	return &writer{
		name:        NameScenarioWriter,
		description: "Create, update, or delete a scenario description.",
		periodType:  reverie.PeriodScenario,
		noun:        "scenario",
	}
}

// --- reader ---

type reader struct {
	name        string
	description string
	periodType  reverie.PeriodType
	noun        string
}

func (r *reader) Definition() reverie.ToolDefinition {
	return reverie.ToolDefinition{
		Name:        r.name,
		Description: r.description,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"date": {
					"type": "string",
					"description": "Read entries overlapping this calendar day, format 2006-01-02."
				},
				"start_time": {
					"type": "string",
					"description": "Range start, format 2006-01-02 15:04:05. Use with end_time."
				},
				"end_time": {
					"type": "string",
					"description": "Range end, format 2006-01-02 15:04:05."
				}
			}
		}`),
	}
}

func (r *reader) Execute(ctx context.Context, args json.RawMessage, tc *reverie.ToolContext) (reverie.ToolResult, error) {
	var in struct {
		Date      string `json:"date"`
		StartTime string `json:"start_time"`
		EndTime   string `json:"end_time"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return reverie.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	filter := reverie.PeriodFilter{PeriodType: r.periodType, CharacterID: tc.CharacterID}

	var periods []reverie.Period
	var err error
	switch {
	case in.Date != "":
		day, perr := time.Parse("2006-01-02", in.Date)
		if perr != nil {
			return reverie.ToolResult{Error: fmt.Sprintf("invalid date %q, expected format 2006-01-02", in.Date)}, nil
		}
		periods, err = tc.Memory.FindPeriodsByDate(ctx, tc.SessionID, day, filter)
	case in.StartTime != "" && in.EndTime != "":
		from, perr := time.Parse(reverie.TimeLayout, in.StartTime)
		if perr != nil {
			return reverie.ToolResult{Error: fmt.Sprintf("invalid start_time %q", in.StartTime)}, nil
		}
		to, perr := time.Parse(reverie.TimeLayout, in.EndTime)
		if perr != nil {
			return reverie.ToolResult{Error: fmt.Sprintf("invalid end_time %q", in.EndTime)}, nil
		}
		periods, err = tc.Memory.FindPeriodsInRange(ctx, tc.SessionID, from, to, filter)
	default:
		now, nerr := tc.Memory.Now(ctx, tc.SessionID)
		if nerr != nil {
			return reverie.ToolResult{}, nerr
		}
		periods, err = tc.Memory.FindPeriodsAt(ctx, tc.SessionID, now, filter)
	}
	if err != nil {
		return reverie.ToolResult{}, fmt.Errorf("read periods: %w", err)
	}
	if len(periods) == 0 {
		return reverie.ToolResult{Content: "No " + r.noun + " found."}, nil
	}

	var b strings.Builder
	for _, p := range periods {
		fmt.Fprintf(&b, "[%s] %s ~ %s: %s",
			p.PeriodID,
			p.StartAt.Format(reverie.TimeLayout),
			p.EndAt.Format(reverie.TimeLayout),
			p.Title)
		if p.Content != "" {
			fmt.Fprintf(&b, " — %s", p.Content)
		}
		b.WriteString("\n")
	}
	return reverie.ToolResult{Content: b.String()}, nil
}

// --- writer ---

type writer struct {
	name        string
	description string
	periodType  reverie.PeriodType
	noun        string
}

func (w *writer) Definition() reverie.ToolDefinition {
	return reverie.ToolDefinition{
		Name:        w.name,
		Description: w.description,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {
					"type": "string",
					"enum": ["add", "update", "delete"],
					"description": "What to do."
				},
				"period_id": {
					"type": "string",
					"description": "Entry id. Required for update and delete."
				},
				"title": {"type": "string"},
				"content": {"type": "string"},
				"start_time": {
					"type": "string",
					"description": "Format 2006-01-02 15:04:05. Required for add."
				},
				"end_time": {
					"type": "string",
					"description": "Format 2006-01-02 15:04:05. Required for add."
				}
			},
			"required": ["action"]
		}`),
	}
}

func (w *writer) Execute(ctx context.Context, args json.RawMessage, tc *reverie.ToolContext) (reverie.ToolResult, error) {
	var in struct {
		Action    string `json:"action"`
		PeriodID  string `json:"period_id"`
		Title     string `json:"title"`
		Content   string `json:"content"`
		StartTime string `json:"start_time"`
		EndTime   string `json:"end_time"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return reverie.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	switch in.Action {
	case "add":
		start, end, errMsg := parseWindow(in.StartTime, in.EndTime)
		if errMsg != "" {
			return reverie.ToolResult{Error: errMsg}, nil
		}
		p, err := tc.Memory.AddPeriod(ctx, reverie.Period{
			SessionID:   tc.SessionID,
			PeriodID:    in.PeriodID,
			PeriodType:  w.periodType,
			Title:       in.Title,
			Content:     in.Content,
			StartAt:     start,
			EndAt:       end,
			CharacterID: tc.CharacterID,
		})
		if err != nil {
			if invalid, ok := err.(*reverie.ErrInvalid); ok {
				return reverie.ToolResult{Error: invalid.Message}, nil
			}
			return reverie.ToolResult{}, err
		}
		return reverie.ToolResult{Content: fmt.Sprintf("Created %s %s.", w.noun, p.PeriodID)}, nil

	case "update":
		if in.PeriodID == "" {
			return reverie.ToolResult{Error: "period_id is required for update"}, nil
		}
		existing, err := tc.Memory.GetPeriod(ctx, tc.SessionID, in.PeriodID, w.periodType)
		if err != nil {
			return reverie.ToolResult{Error: fmt.Sprintf("%s %s not found", w.noun, in.PeriodID)}, nil
		}
		if in.Title != "" {
			existing.Title = in.Title
		}
		if in.Content != "" {
			existing.Content = in.Content
		}
		if in.StartTime != "" {
			t, perr := time.Parse(reverie.TimeLayout, in.StartTime)
			if perr != nil {
				return reverie.ToolResult{Error: fmt.Sprintf("invalid start_time %q", in.StartTime)}, nil
			}
			existing.StartAt = t
		}
		if in.EndTime != "" {
			t, perr := time.Parse(reverie.TimeLayout, in.EndTime)
			if perr != nil {
				return reverie.ToolResult{Error: fmt.Sprintf("invalid end_time %q", in.EndTime)}, nil
			}
			existing.EndAt = t
		}
		ok, err := tc.Memory.UpdatePeriod(ctx, existing)
		if err != nil {
			if invalid, isInvalid := err.(*reverie.ErrInvalid); isInvalid {
				return reverie.ToolResult{Error: invalid.Message}, nil
			}
			return reverie.ToolResult{}, err
		}
		if !ok {
			return reverie.ToolResult{Error: fmt.Sprintf("%s %s not found", w.noun, in.PeriodID)}, nil
		}
		return reverie.ToolResult{Content: fmt.Sprintf("Updated %s %s.", w.noun, in.PeriodID)}, nil

	case "delete":
		if in.PeriodID == "" {
			return reverie.ToolResult{Error: "period_id is required for delete"}, nil
		}
		ok, err := tc.Memory.DeletePeriod(ctx, tc.SessionID, in.PeriodID, w.periodType)
		if err != nil {
			return reverie.ToolResult{}, err
		}
		if !ok {
			return reverie.ToolResult{Error: fmt.Sprintf("%s %s not found", w.noun, in.PeriodID)}, nil
		}
		return reverie.ToolResult{Content: fmt.Sprintf("Deleted %s %s.", w.noun, in.PeriodID)}, nil

	default:
		return reverie.ToolResult{Error: fmt.Sprintf("unknown action %q", in.Action)}, nil
	}
}

func parseWindow(startStr, endStr string) (start, end time.Time, errMsg string) {
	if startStr == "" || endStr == "" {
		return start, end, "start_time and end_time are required for add"
	}
	start, err := time.Parse(reverie.TimeLayout, startStr)
	if err != nil {
		return start, end, fmt.Sprintf("invalid start_time %q", startStr)
	}
	end, err = time.Parse(reverie.TimeLayout, endStr)
	if err != nil {
		return start, end, fmt.Sprintf("invalid end_time %q", endStr)
	}
	if start.After(end) {
		return start, end, "start_time is after end_time"
	}
	return start, end, ""
}
