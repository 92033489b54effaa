package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nevindra/reverie"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.memory.Store().ListSessions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.memory.Store().GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Name == "" {
		s.writeError(w, &reverie.ErrInvalid{Op: "session.rename", Message: "name is required"})
		return
	}
	id := r.PathValue("id")
	if err := s.memory.Store().RenameSession(r.Context(), id, req.Name); err != nil {
		s.writeError(w, err)
		return
	}
	session, err := s.memory.Store().GetSession(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.memory.Store().DeleteSession(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.clock.Forget(id)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// --- time endpoints ---

// timeClockResponse is the wire view of one session clock plus the
// session's bookkeeping timestamps.
type timeClockResponse struct {
	SessionID      string                `json:"session_id"`
	BaseVirtual    string                `json:"base_virtual"`
	BaseReal       string                `json:"base_real"`
	Actions        []reverie.ClockAction `json:"actions"`
	CurrentVirtual string                `json:"current_virtual_time"`
	CurrentReal    string                `json:"current_real_time"`
	UpdatedAt      string                `json:"updated_at"`
	RealUpdatedAt  string                `json:"real_updated_at"`
}

func (s *Server) timeResponse(r *http.Request, sessionID string) (timeClockResponse, error) {
	snap, err := s.clock.Snapshot(r.Context(), sessionID)
	if err != nil {
		return timeClockResponse{}, err
	}
	resp := timeClockResponse{
		SessionID:      snap.SessionID,
		BaseVirtual:    snap.BaseVirtual,
		BaseReal:       snap.BaseReal,
		Actions:        snap.Actions,
		CurrentVirtual: snap.CurrentVirtual,
		CurrentReal:    snap.CurrentReal,
	}
	if session, err := s.memory.Store().GetSession(r.Context(), sessionID); err == nil {
		resp.UpdatedAt = session.UpdatedAt.Format(reverie.TimeLayout)
		resp.RealUpdatedAt = session.RealUpdatedAt.Format(reverie.TimeLayout)
	}
	return resp, nil
}

func (s *Server) handleGetTime(w http.ResponseWriter, r *http.Request) {
	resp, err := s.timeResponse(r, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VirtualTime string `json:"virtual_time"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	target, err := time.ParseInLocation(reverie.TimeLayout, req.VirtualTime, time.Local)
	if err != nil {
		s.writeError(w, &reverie.ErrInvalid{Op: "time.seek", Message: "virtual_time must be " + reverie.TimeLayout})
		return
	}
	id := r.PathValue("id")
	if err := s.clock.Seek(r.Context(), id, target); err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.timeResponse(r, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNudge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeltaSeconds float64 `json:"delta_seconds"`
		Note         string  `json:"note"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	id := r.PathValue("id")
	delta := time.Duration(req.DeltaSeconds * float64(time.Second))
	if err := s.clock.Nudge(r.Context(), id, delta, req.Note); err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.timeResponse(r, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Speed  *float64 `json:"speed"`
		Freeze bool     `json:"freeze"`
		Note   string   `json:"note"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	id := r.PathValue("id")
	var err error
	switch {
	case req.Freeze:
		err = s.clock.Freeze(r.Context(), id, req.Note)
	case req.Speed == nil:
		err = &reverie.ErrInvalid{Op: "time.speed", Message: "speed is required"}
	default:
		err = s.clock.SetSpeed(r.Context(), id, *req.Speed)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.timeResponse(r, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// queryInt parses an integer query parameter, falling back to def.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
