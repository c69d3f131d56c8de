package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gezibash/arc-sign/internal/coordinator"
	"github.com/gezibash/arc-sign/pkg/errors"
	"github.com/gezibash/arc-sign/pkg/identity"
)

type signBody struct {
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (b signBody) metadata() any {
	if len(b.Metadata) == 0 || string(b.Metadata) == "null" {
		return nil
	}
	return b.Metadata
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body signBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.co.Sign(r.Context(), coordinator.SignRequest{Caller: caller(r), ID: id, Metadata: body.metadata()})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEstimateSign(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body signBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	est, err := s.co.EstimateSign(r.Context(), caller(r), id, body.metadata() != nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.co.Progress(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documentId": id,
		"completed":  p.Completed(),
		"progress":   p,
	})
}

func (s *Server) handleGetSignature(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	signer, err := identity.ParseAddress(chi.URLParam(r, "signer"))
	if err != nil {
		s.writeError(w, r, errors.Wrap(errors.KindInvalidInput, "parse signer", err))
		return
	}
	view, err := s.co.Signature(r.Context(), id, signer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.co.Verify(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
