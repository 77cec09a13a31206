package api

import (
	"mime"
	"net/http"

	"go.uber.org/zap"

	"github.com/ftprelay/ftprelay/internal/logging"
	"github.com/ftprelay/ftprelay/internal/remote"
)

func (s *Server) handleDownloadRecord(w http.ResponseWriter, r *http.Request) {
	dl, err := s.downloader.ResolveRecord(r.Context(), r.PathValue("fileId"))
	if err != nil {
		s.sendFault(w, r, err, "")
		return
	}
	s.stream(w, r, dl)
}

func (s *Server) handleDownloadRemote(w http.ResponseWriter, r *http.Request) {
	handle := r.URL.Query().Get("path")
	if handle == "" {
		s.sendError(w, http.StatusBadRequest, "File path is required.")
		return
	}
	dl, err := s.downloader.ResolveHandle(handle)
	if err != nil {
		s.sendFault(w, r, err, "")
		return
	}
	s.stream(w, r, dl)
}

// stream sends dl as an attachment. Until the first byte arrives nothing is
// written, so failures before that still get a JSON error. A failure after
// that aborts the connection.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, dl remote.Download) {
	aw := &attachmentWriter{w: w, filename: dl.Filename}
	n, err := s.downloader.Stream(r.Context(), dl, aw)
	if err != nil {
		if !aw.started {
			s.sendFault(w, r, err, "Failed to download file")
			return
		}
		logging.WithContext(r.Context()).Error("download interrupted",
			zap.String("remote_path", dl.RemotePath),
			zap.Int64("bytes", n),
			zap.Error(err),
		)
		panic(http.ErrAbortHandler)
	}
	if !aw.started {
		aw.commit()
	}
	logging.WithContext(r.Context()).Info("download complete",
		zap.String("remote_path", dl.RemotePath),
		zap.String("mode", dl.Mode),
		zap.Int64("bytes", n),
	)
}

// attachmentWriter commits download headers on the first write.
type attachmentWriter struct {
	w        http.ResponseWriter
	filename string
	started  bool
}

func (a *attachmentWriter) commit() {
	a.started = true
	h := a.w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Disposition", contentDisposition(a.filename))
	h.Set("X-Content-Type-Options", "nosniff")
	a.w.WriteHeader(http.StatusOK)
}

func (a *attachmentWriter) Write(p []byte) (int, error) {
	if !a.started {
		a.commit()
	}
	return a.w.Write(p)
}

func contentDisposition(filename string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); v != "" {
		return v
	}
	return "attachment"
}
