package server

import (
	"net/http"

	"github.com/gezibash/arc-sign/pkg/errors"
	"github.com/gezibash/arc-sign/pkg/identity"
	"github.com/gezibash/arc-sign/pkg/identity/secp256k1"
)

type nonceBody struct {
	Address string `json:"address"`
}

type loginBody struct {
	Address   string `json:"address"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	var body nonceBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	addr, err := identity.ParseAddress(body.Address)
	if err != nil {
		s.writeError(w, r, errors.Wrap(errors.KindInvalidInput, "parse address", err))
		return
	}
	ch, err := s.auth.Challenge(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body loginBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	addr, err := identity.ParseAddress(body.Address)
	if err != nil {
		s.writeError(w, r, errors.Wrap(errors.KindInvalidInput, "parse address", err))
		return
	}
	sig, err := secp256k1.DecodeSignature(body.Signature)
	if err != nil {
		s.writeError(w, r, errors.Wrap(errors.KindInvalidInput, "parse signature", err))
		return
	}
	tok, err := s.auth.Login(r.Context(), addr, body.Nonce, sig)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}
