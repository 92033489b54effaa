package server

import (
	"net/http"
	"strings"

	"github.com/nevindra/reverie"
)

// requireSettings answers 404 when the server was wired without a settings
// store.
func (s *Server) requireSettings(w http.ResponseWriter) bool {
	if s.settings == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "settings store not configured"})
		return false
	}
	return true
}

// --- characters ---

func (s *Server) handleListCharacters(w http.ResponseWriter, r *http.Request) {
	if !s.requireSettings(w) {
		return
	}
	characters, err := s.settings.ListCharacters(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"characters": characters})
}

func (s *Server) handleCreateCharacter(w http.ResponseWriter, r *http.Request) {
	if !s.requireSettings(w) {
		return
	}
	var c reverie.Character
	if err := decodeBody(r, &c); err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(c.Name) == "" {
		s.writeError(w, &reverie.ErrInvalid{Op: "character.create", Message: "name is required"})
		return
	}
	id, err := s.settings.CreateCharacter(r.Context(), c)
	if err != nil {
		s.writeError(w, err)
		return
	}
	created, err := s.settings.GetCharacter(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetCharacter(w http.ResponseWriter, r *http.Request) {
	if !s.requireSettings(w) {
		return
	}
	c, err := s.settings.GetCharacter(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleUpdateCharacter(w http.ResponseWriter, r *http.Request) {
	if !s.requireSettings(w) {
		return
	}
	var c reverie.Character
	if err := decodeBody(r, &c); err != nil {
		s.writeError(w, err)
		return
	}
	c.ID = r.PathValue("id")
	ok, err := s.settings.UpdateCharacter(r.Context(), c)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeError(w, &reverie.ErrNotFound{Kind: "character", ID: c.ID})
		return
	}
	updated, err := s.settings.GetCharacter(r.Context(), c.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteCharacter(w http.ResponseWriter, r *http.Request) {
	if !s.requireSettings(w) {
		return
	}
	id := r.PathValue("id")
	ok, err := s.settings.DeleteCharacter(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeError(w, &reverie.ErrNotFound{Kind: "character", ID: id})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// --- model endpoints ---

// redactModel blanks the API key before a record leaves the server.
func redactModel(m reverie.ModelInfo) reverie.ModelInfo {
	m.APIKey = ""
	return m
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if !s.requireSettings(w) {
		return
	}
	models, err := s.settings.ListModels(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	for i := range models {
		models[i] = redactModel(models[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleCreateModel(w http.ResponseWriter, r *http.Request) {
	if !s.requireSettings(w) {
		return
	}
	var m reverie.ModelInfo
	if err := decodeBody(r, &m); err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(m.Name) == "" || strings.TrimSpace(m.Model) == "" {
		s.writeError(w, &reverie.ErrInvalid{Op: "model.create", Message: "name and model are required"})
		return
	}
	id, err := s.settings.CreateModel(r.Context(), m)
	if err != nil {
		s.writeError(w, err)
		return
	}
	created, err := s.settings.GetModel(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, redactModel(created))
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	if !s.requireSettings(w) {
		return
	}
	m, err := s.settings.GetModel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redactModel(m))
}

func (s *Server) handleUpdateModel(w http.ResponseWriter, r *http.Request) {
	if !s.requireSettings(w) {
		return
	}
	var m reverie.ModelInfo
	if err := decodeBody(r, &m); err != nil {
		s.writeError(w, err)
		return
	}
	m.ID = r.PathValue("id")
	ok, err := s.settings.UpdateModel(r.Context(), m)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeError(w, &reverie.ErrNotFound{Kind: "model", ID: m.ID})
		return
	}
	updated, err := s.settings.GetModel(r.Context(), m.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redactModel(updated))
}

func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	if !s.requireSettings(w) {
		return
	}
	id := r.PathValue("id")
	ok, err := s.settings.DeleteModel(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeError(w, &reverie.ErrNotFound{Kind: "model", ID: id})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}
