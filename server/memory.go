package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/nevindra/reverie"
)

// messageFilterFromQuery reads the optional categories and character query
// parameters shared by the message read endpoints.
func messageFilterFromQuery(r *http.Request) reverie.MessageFilter {
	var f reverie.MessageFilter
	if raw := r.URL.Query().Get("categories"); raw != "" {
		for _, c := range strings.Split(raw, ",") {
			c = strings.TrimSpace(c)
			if c != "" {
				f.Categories = append(f.Categories, reverie.MessageCategory(c))
			}
		}
	}
	f.CharacterID = r.URL.Query().Get("character")
	return f
}

// handleGetMessages reads conversation history. With a time parameter it
// returns the window around that virtual instant; without one it returns
// the most recent messages.
func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	limit := queryInt(r, "limit", 50)
	f := messageFilterFromQuery(r)

	if raw := r.URL.Query().Get("time"); raw != "" {
		anchor, err := time.ParseInLocation(reverie.TimeLayout, raw, time.Local)
		if err != nil {
			s.writeError(w, &reverie.ErrInvalid{Op: "messages.get", Message: "time must be " + reverie.TimeLayout})
			return
		}
		halfRange := time.Duration(queryInt(r, "hours", 12)) * time.Hour
		messages, meta, err := s.memory.GetMessagesAroundTime(r.Context(), sessionID, anchor, halfRange, limit, f)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": messages, "metadata": meta})
		return
	}

	messages, err := s.memory.RecentMessages(r.Context(), sessionID, limit, f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.memory.DeleteMessage(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// --- relations ---

func (s *Server) handleListRelations(w http.ResponseWriter, r *http.Request) {
	relations, err := s.memory.ListRelations(r.Context(), r.PathValue("id"), r.URL.Query().Get("character"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"relations": relations})
}

func (s *Server) handleSetRelation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		reverie.Relation
		CharacterID string `json:"character_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.writeError(w, &reverie.ErrInvalid{Op: "relation.set", Message: "name is required"})
		return
	}
	saved, err := s.memory.SetRelation(r.Context(), r.PathValue("id"), req.Relation, req.CharacterID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteRelation(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("rid")
	ok, err := s.memory.DeleteRelation(r.Context(), r.PathValue("id"), rid, r.URL.Query().Get("character"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeError(w, &reverie.ErrNotFound{Kind: "relation", ID: rid})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": rid})
}

// --- frontend display log ---

func (s *Server) handleListFrontendMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.memory.ListFrontendMessages(r.Context(), r.PathValue("id"),
		queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleAddFrontendMessage(w http.ResponseWriter, r *http.Request) {
	var msg reverie.FrontendMessage
	if err := decodeBody(r, &msg); err != nil {
		s.writeError(w, err)
		return
	}
	msg.SessionID = r.PathValue("id")
	if strings.TrimSpace(msg.Content) == "" {
		s.writeError(w, &reverie.ErrInvalid{Op: "frontend.add", Message: "content is required"})
		return
	}
	saved, err := s.memory.AddFrontendMessage(r.Context(), msg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// --- keyword search ---

type searchRequest struct {
	Query       string   `json:"query"`
	SessionID   string   `json:"session_id"`
	Categories  []string `json:"categories,omitempty"`
	CharacterID string   `json:"character_id,omitempty"`
	Limit       int      `json:"limit,omitempty"`
	Offset      int      `json:"offset,omitempty"`
}

func (req *searchRequest) validate(op string) error {
	if strings.TrimSpace(req.Query) == "" {
		return &reverie.ErrInvalid{Op: op, Message: "query is required"}
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return &reverie.ErrInvalid{Op: op, Message: "session_id is required"}
	}
	return nil
}

func (s *Server) handleSearchMessages(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := req.validate("search.messages"); err != nil {
		s.writeError(w, err)
		return
	}
	f := reverie.MessageFilter{CharacterID: req.CharacterID}
	for _, c := range req.Categories {
		f.Categories = append(f.Categories, reverie.MessageCategory(c))
	}
	messages, err := s.memory.SearchMessagesByKeyword(r.Context(), req.SessionID, req.Query, req.Limit, req.Offset, f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleSearchScenarios(w http.ResponseWriter, r *http.Request) {
	s.searchPeriods(w, r, reverie.PeriodScenario, "search.scenarios")
}

func (s *Server) handleSearchSchedules(w http.ResponseWriter, r *http.Request) {
	s.searchPeriods(w, r, reverie.PeriodSchedule, "search.schedules")
}

// searchPeriods runs a keyword query against the mirror's period index,
// falling back to a plain list scan when the mirror is unavailable.
func (s *Server) searchPeriods(w http.ResponseWriter, r *http.Request, pt reverie.PeriodType, op string) {
	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := req.validate(op); err != nil {
		s.writeError(w, err)
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}

	if s.idx != nil && s.idx.Available(r.Context()) {
		periods, err := s.idx.SearchPeriods(r.Context(), reverie.PeriodSearch{
			Query:       req.Query,
			SessionID:   req.SessionID,
			PeriodType:  pt,
			CharacterID: req.CharacterID,
			Limit:       limit,
		})
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]any{"periods": periods})
			return
		}
		s.logger.Warn("mirror period search failed, falling back to scan", "error", err)
	}

	all, err := s.memory.ListPeriods(r.Context(), req.SessionID, reverie.PeriodFilter{PeriodType: pt, CharacterID: req.CharacterID})
	if err != nil {
		s.writeError(w, err)
		return
	}
	needle := strings.ToLower(req.Query)
	var matched []reverie.Period
	for _, p := range all {
		if strings.Contains(strings.ToLower(p.Title), needle) || strings.Contains(strings.ToLower(p.Content), needle) {
			matched = append(matched, p)
			if len(matched) >= limit {
				break
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"periods": matched})
}
