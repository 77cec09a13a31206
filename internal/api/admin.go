package api

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/ftprelay/ftprelay/internal/catalog"
	"github.com/ftprelay/ftprelay/internal/protocol"
)

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.catalog.Stats(r.Context())
	if err != nil {
		s.sendFault(w, r, err, "")
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.StatsResponse{
		TotalUploads:   st.TotalUploads,
		TotalUsers:     s.auth.Users().Count(),
		TotalSize:      st.TotalSize,
		UploadsPerUser: st.UploadsPerUser,
	})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := parsePositive(q.Get("page"), 1)
	limit := parsePositive(q.Get("limit"), catalog.DefaultLimit)

	p, err := s.catalog.Page(r.Context(), page, limit)
	if err != nil {
		s.sendFault(w, r, err, "")
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.FilesResponse(p))
}

func (s *Server) handleListRemoteFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.browser.List(r.Context())
	if err != nil {
		s.sendFault(w, r, err, "Failed to list files from FTP server")
		return
	}

	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].ModifiedAt.Equal(files[j].ModifiedAt) {
			return files[i].ModifiedAt.After(files[j].ModifiedAt)
		}
		return files[i].Path < files[j].Path
	})
	s.sendJSON(w, http.StatusOK, files)
}

// parsePositive returns def for a missing, malformed or non-positive value.
func parsePositive(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}
