package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vartalap-chat/vartalap/pkg/auth"
	"github.com/vartalap-chat/vartalap/pkg/model"
	"github.com/vartalap-chat/vartalap/pkg/store"
)

type RegisterRequest struct {
	Username string `json:"username" validate:"required,max=150"`
	Email    string `json:"email" validate:"required,email"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
}

type LoginResponse struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

func (g *Gateway) register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		httpError(w, http.StatusBadRequest, "username and a valid email are required")
		return
	}

	if _, err := g.store.GetUserByUsername(r.Context(), req.Username); err == nil {
		httpError(w, http.StatusConflict, "username already taken")
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		storeError(w, err)
		return
	}

	u := model.User{
		ID:       uuid.New(),
		Username: req.Username,
		Email:    req.Email,
	}
	if err := g.store.CreateUser(r.Context(), u); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (g *Gateway) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Username == "" {
		httpError(w, http.StatusBadRequest, "username is required")
		return
	}

	u, err := g.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, http.StatusUnauthorized, "unknown user")
			return
		}
		storeError(w, err)
		return
	}

	token, err := g.verifier.Issue(auth.Identity{UserID: u.ID, Username: u.Username})
	if err != nil {
		httpError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	now := time.Now().UTC()
	u.LastSeen = &now
	writeJSON(w, http.StatusOK, LoginResponse{Token: token, User: u})
}
