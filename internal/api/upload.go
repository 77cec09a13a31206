package api

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/ftprelay/ftprelay/internal/auth"
	"github.com/ftprelay/ftprelay/internal/protocol"
	"github.com/ftprelay/ftprelay/internal/relay"
)

const (
	uploadFieldName = "file"

	// multipartOverhead is the allowance for boundaries and part headers on
	// top of the file size limit.
	multipartOverhead = 1 << 20
)

var (
	errNoFile       = errors.New("no file part")
	errFileTooLarge = errors.New("file exceeds upload limit")
)

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	user, ok := s.auth.CurrentUser(r.Context())
	if !ok {
		s.sendError(w, http.StatusUnauthorized, "Token is not valid")
		return
	}

	if r.ContentLength > s.maxUploadSize+multipartOverhead {
		s.sendError(w, http.StatusRequestEntityTooLarge, "File too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize+multipartOverhead)

	part, err := filePart(r)
	if err != nil {
		if isTooLarge(err) {
			s.sendError(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		s.sendError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer part.Close()

	owner := relay.Principal{ID: user.ID, Username: user.Username, DisplayName: user.Name}
	body := &sizeLimiter{r: part, max: s.maxUploadSize}

	rec, err := s.relay.Upload(r.Context(), owner, part.FileName(), body)
	if err != nil {
		if isTooLarge(err) {
			s.sendError(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		s.sendFault(w, r, err, "FTP upload failed")
		return
	}

	s.sendJSON(w, http.StatusOK, protocol.UploadResponse{
		Msg:        "File uploaded successfully!",
		FileID:     rec.ID,
		Filename:   rec.OriginalFilename,
		RemotePath: rec.RemotePath,
	})
}

func (s *Server) handleListOwnUploads(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	recs, err := s.catalog.ListByOwner(r.Context(), claims.UserID)
	if err != nil {
		s.sendFault(w, r, err, "")
		return
	}
	s.sendJSON(w, http.StatusOK, recs)
}

// filePart returns the first part named "file" that carries a filename.
// Other parts are skipped without buffering.
func filePart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, errNoFile
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == uploadFieldName && part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe) || errors.Is(err, errFileTooLarge)
}

// sizeLimiter fails the read that takes the total past max.
type sizeLimiter struct {
	r    io.Reader
	max  int64
	read int64
}

func (l *sizeLimiter) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.read += int64(n)
	if l.read > l.max {
		return n, errFileTooLarge
	}
	return n, err
}
