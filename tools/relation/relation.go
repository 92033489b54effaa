// Package relation provides the tool the character uses to track what it
// knows about people.
package relation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nevindra/reverie"
)

// Name is the relation tool's registered name.
const Name = "relation"

type tool struct{}

// New returns the relation CRUD and search tool.
func New() reverie.Tool { return tool{} }

func (tool) Definition() reverie.ToolDefinition {
	return reverie.ToolDefinition{
		Name:        Name,
		Description: "Track relationships: who someone is, what you know about them, and how the relationship is progressing.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {
					"type": "string",
					"enum": ["set", "get", "delete", "list", "search"],
					"description": "What to do."
				},
				"relation_id": {
					"type": "string",
					"description": "Relation id. Required for get and delete; omit on set to create."
				},
				"name": {"type": "string", "description": "The person's name."},
				"knowledge": {"type": "string", "description": "What you know about them."},
				"progress": {"type": "string", "description": "Current state of the relationship."},
				"query": {"type": "string", "description": "Keyword query for search."}
			},
			"required": ["action"]
		}`),
	}
}

func (tool) Execute(ctx context.Context, args json.RawMessage, tc *reverie.ToolContext) (reverie.ToolResult, error) {
	var in struct {
		Action     string `json:"action"`
		RelationID string `json:"relation_id"`
		Name       string `json:"name"`
		Knowledge  string `json:"knowledge"`
		Progress   string `json:"progress"`
		Query      string `json:"query"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return reverie.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	switch in.Action {
	case "set":
		r := reverie.Relation{
			RelationID: in.RelationID,
			Name:       in.Name,
			Knowledge:  in.Knowledge,
			Progress:   in.Progress,
		}
		// Updating keeps fields the model did not resend.
		if in.RelationID != "" {
			if existing, err := tc.Memory.GetRelation(ctx, tc.SessionID, in.RelationID, tc.CharacterID); err == nil {
				if r.Name == "" {
					r.Name = existing.Name
				}
				if r.Knowledge == "" {
					r.Knowledge = existing.Knowledge
				}
				if r.Progress == "" {
					r.Progress = existing.Progress
				}
				r.CreatedAt = existing.CreatedAt
			}
		}
		saved, err := tc.Memory.SetRelation(ctx, tc.SessionID, r, tc.CharacterID)
		if err != nil {
			return reverie.ToolResult{}, fmt.Errorf("set relation: %w", err)
		}
		return reverie.ToolResult{Content: fmt.Sprintf("Saved relation %s (%s).", saved.RelationID, saved.Name)}, nil

	case "get":
		if in.RelationID == "" {
			return reverie.ToolResult{Error: "relation_id is required for get"}, nil
		}
		r, err := tc.Memory.GetRelation(ctx, tc.SessionID, in.RelationID, tc.CharacterID)
		if err != nil {
			return reverie.ToolResult{Error: fmt.Sprintf("relation %s not found", in.RelationID)}, nil
		}
		return reverie.ToolResult{Content: formatRelation(r)}, nil

	case "delete":
		if in.RelationID == "" {
			return reverie.ToolResult{Error: "relation_id is required for delete"}, nil
		}
		ok, err := tc.Memory.DeleteRelation(ctx, tc.SessionID, in.RelationID, tc.CharacterID)
		if err != nil {
			return reverie.ToolResult{}, err
		}
		if !ok {
			return reverie.ToolResult{Error: fmt.Sprintf("relation %s not found", in.RelationID)}, nil
		}
		return reverie.ToolResult{Content: fmt.Sprintf("Deleted relation %s.", in.RelationID)}, nil

	case "list":
		relations, err := tc.Memory.ListRelations(ctx, tc.SessionID, tc.CharacterID)
		if err != nil {
			return reverie.ToolResult{}, err
		}
		return reverie.ToolResult{Content: formatRelations(relations)}, nil

	case "search":
		if in.Query == "" {
			return reverie.ToolResult{Error: "query is required for search"}, nil
		}
		relations, err := tc.Memory.SearchRelations(ctx, tc.SessionID, in.Query, 20, tc.CharacterID)
		if err != nil {
			return reverie.ToolResult{}, err
		}
		return reverie.ToolResult{Content: formatRelations(relations)}, nil

	default:
		return reverie.ToolResult{Error: fmt.Sprintf("unknown action %q", in.Action)}, nil
	}
}

func formatRelation(r reverie.Relation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", r.RelationID, r.Name)
	if r.Knowledge != "" {
		fmt.Fprintf(&b, "Knowledge: %s\n", r.Knowledge)
	}
	if r.Progress != "" {
		fmt.Fprintf(&b, "Progress: %s\n", r.Progress)
	}
	return b.String()
}

func formatRelations(relations []reverie.Relation) string {
	if len(relations) == 0 {
		return "No relations found."
	}
	var b strings.Builder
	for _, r := range relations {
		b.WriteString(formatRelation(r))
	}
	return b.String()
}

var _ reverie.Tool = tool{}
