package server

import (
	"net/http"
)

func (s *Server) requireArchives(w http.ResponseWriter) bool {
	if s.archives == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "archive manager not configured"})
		return false
	}
	return true
}

func (s *Server) handleListArchives(w http.ResponseWriter, r *http.Request) {
	if !s.requireArchives(w) {
		return
	}
	infos, err := s.archives.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": infos})
}

func (s *Server) handleCreateArchive(w http.ResponseWriter, r *http.Request) {
	if !s.requireArchives(w) {
		return
	}
	var req struct {
		Name string `json:"name"`
		// Empty creates a blank initialized archive instead of copying the
		// working database.
		Empty bool `json:"empty,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	var err error
	if req.Empty {
		err = s.archives.CreateEmpty(r.Context(), req.Name)
	} else {
		err = s.archives.Create(r.Context(), req.Name)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"created": req.Name})
}

func (s *Server) handleOverwriteArchive(w http.ResponseWriter, r *http.Request) {
	if !s.requireArchives(w) {
		return
	}
	name := r.PathValue("name")
	if err := s.archives.Overwrite(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"overwritten": name})
}

func (s *Server) handleDeleteArchive(w http.ResponseWriter, r *http.Request) {
	if !s.requireArchives(w) {
		return
	}
	name := r.PathValue("name")
	if err := s.archives.Delete(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": name})
}

// handleLoadArchive swaps the working database for the named archive.
// In-flight requests against the old store finish against closed handles;
// the archive lock keeps the swap itself atomic.
func (s *Server) handleLoadArchive(w http.ResponseWriter, r *http.Request) {
	if !s.requireArchives(w) {
		return
	}
	name := r.PathValue("name")
	if err := s.archives.Load(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"loaded": name})
}

func (s *Server) handleResetWorking(w http.ResponseWriter, r *http.Request) {
	if !s.requireArchives(w) {
		return
	}
	if err := s.archives.ResetWorking(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
