package server

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/gezibash/arc-sign/internal/auth"
	"github.com/gezibash/arc-sign/internal/coordinator"
	"github.com/gezibash/arc-sign/pkg/document"
	"github.com/gezibash/arc-sign/pkg/errors"
	"github.com/gezibash/arc-sign/pkg/identity"
)

func documentID(r *http.Request) (document.ID, error) {
	id, err := document.ParseID(chi.URLParam(r, "hash"))
	if err != nil {
		return document.ID{}, errors.Wrap(errors.KindInvalidInput, "parse document hash", err)
	}
	return id, nil
}

func caller(r *http.Request) identity.Address {
	addr, _ := auth.CallerFrom(r.Context())
	return addr
}

// upload is a parsed document upload.
type upload struct {
	content     []byte
	name        string
	contentType string
	signers     []string
}

// readUpload parses a multipart body with a "file" part and a "signers"
// field. signers may be a JSON array, a comma-separated list or repeated.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (*upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(defaultMemoryBytes); err != nil {
		return nil, errors.Wrap(errors.KindInvalidInput, "parse upload", err)
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	f, hdr, err := r.FormFile("file")
	if err != nil {
		return nil, errors.Wrap(errors.KindInvalidInput, "parse upload", err)
	}
	defer func() { _ = f.Close() }()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrap(errors.KindInvalidInput, "read upload", err)
	}

	signers, err := parseSigners(r.MultipartForm)
	if err != nil {
		return nil, err
	}
	return &upload{
		content:     content,
		name:        hdr.Filename,
		contentType: hdr.Header.Get("Content-Type"),
		signers:     signers,
	}, nil
}

func parseSigners(form *multipart.Form) ([]string, error) {
	var out []string
	for _, v := range form.Value["signers"] {
		v = strings.TrimSpace(v)
		if strings.HasPrefix(v, "[") {
			var list []string
			if err := json.Unmarshal([]byte(v), &list); err != nil {
				return nil, errors.Wrap(errors.KindInvalidInput, "parse signers", err)
			}
			out = append(out, list...)
			continue
		}
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out, nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	up, err := s.readUpload(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.co.Create(r.Context(), coordinator.CreateRequest{
		Caller:      caller(r),
		Content:     up.content,
		Name:        up.name,
		ContentType: up.contentType,
		Signers:     up.signers,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleEstimateCreate(w http.ResponseWriter, r *http.Request) {
	up, err := s.readUpload(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	est, err := s.co.EstimateCreate(r.Context(), caller(r), up.content, up.signers)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.co.Document(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetSigners(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	signers, err := s.co.Signers(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documentId": id, "signers": signers})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.co.Revoke(r.Context(), caller(r), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUserDocuments(w http.ResponseWriter, r *http.Request) {
	addr, err := identity.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, r, errors.Wrap(errors.KindInvalidInput, "parse address", err))
		return
	}
	ids, err := s.co.UserDocuments(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": addr, "documents": ids})
}
