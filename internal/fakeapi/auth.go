package fakeapi

import (
	"net/http"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/pribylovaa/sweet-shop-client/internal/models"
)

const minPasswordLen = 8

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var in models.Registration
	if err := decodeStrict(r, &in); err != nil {
		writeError(w, r, err)
		return
	}

	email := normalizeEmail(in.Email)

	fe := fieldErrors{}
	if _, err := mail.ParseAddress(email); err != nil {
		fe.add("email", "Enter a valid email address.")
	}
	if strings.TrimSpace(in.Username) == "" {
		fe.add("username", "This field may not be blank.")
	}
	if len(in.Password) < minPasswordLen {
		fe.add("password", "This password is too short. It must contain at least 8 characters.")
	}
	if in.Password != in.PasswordConfirm {
		fe.add("password", "Password fields didn't match.")
	}
	if len(fe) > 0 {
		writeError(w, r, fe)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.opts.BcryptCost)
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEmail[email]; ok {
		writeError(w, r, fieldErrors{"email": {"user with this email already exists."}})
		return
	}

	u := s.insertUser(email, in.Username, string(hash), in.IsAdmin)

	access, refresh, err := s.issuePair(u.profile.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, models.RegisterResponse{
		Message: "User registered successfully",
		User:    &u.profile,
		Tokens:  models.TokensDTO{Access: access, Refresh: refresh},
	})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var in models.Credentials
	if err := decodeStrict(r, &in); err != nil {
		writeError(w, r, err)
		return
	}

	s.mu.Lock()
	id, ok := s.byEmail[normalizeEmail(in.Email)]
	var hash string
	if ok {
		hash = s.users[id].passwordHash
	}
	s.mu.Unlock()

	if !ok || bcrypt.CompareHashAndPassword([]byte(hash), []byte(in.Password)) != nil {
		writeError(w, r, ErrInvalidCredentials)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		writeError(w, r, ErrInvalidCredentials)
		return
	}

	now := s.opts.Now().UTC()
	u.profile.LastLogin = &now

	access, refresh, err := s.issuePair(id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	profile := u.profile
	writeJSON(w, http.StatusOK, models.LoginResponse{Access: access, Refresh: refresh, User: &profile})
}

func (s *Server) refreshToken(w http.ResponseWriter, r *http.Request) {
	var in models.RefreshRequest
	if err := decodeStrict(r, &in); err != nil {
		writeError(w, r, err)
		return
	}

	if in.Refresh == "" {
		writeError(w, r, fieldErrors{"refresh": {"This field is required."}})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()

	rt, err := s.validateRefresh(in.Refresh, now)
	if err != nil {
		writeError(w, r, err)
		return
	}

	access, err := s.issueAccess(rt.userID, now)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := models.RefreshResponse{Access: access}
	if s.opts.RotateRefresh {
		rt.revoked = true
		if out.Refresh, err = s.issueRefresh(rt.userID, now); err != nil {
			writeError(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	var in models.RefreshRequest
	if err := decodeStrict(r, &in); err != nil {
		writeError(w, r, err)
		return
	}

	if in.Refresh == "" {
		writeError(w, r, badRequest("Refresh token is required"))
		return
	}

	s.mu.Lock()
	if rt, ok := s.refresh[hashToken(in.Refresh)]; ok && rt.userID == userIDFrom(r.Context()) {
		rt.revoked = true
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"message": "Successfully logged out"})
}

func (s *Server) profile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userIDFrom(r.Context())]
	if !ok {
		writeError(w, r, ErrNotFound)
		return
	}

	writeJSON(w, http.StatusOK, u.profile)
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	var in models.ProfileUpdate
	if err := decodeStrict(r, &in); err != nil {
		writeError(w, r, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	uid := userIDFrom(r.Context())
	u, ok := s.users[uid]
	if !ok {
		writeError(w, r, ErrNotFound)
		return
	}

	if in.Email != "" {
		email := normalizeEmail(in.Email)
		if _, err := mail.ParseAddress(email); err != nil {
			writeError(w, r, fieldErrors{"email": {"Enter a valid email address."}})
			return
		}
		if other, ok := s.byEmail[email]; ok && other != uid {
			writeError(w, r, fieldErrors{"email": {"user with this email already exists."}})
			return
		}

		delete(s.byEmail, u.profile.Email)
		s.byEmail[email] = uid
		u.profile.Email = email
	}

	if in.Username != "" {
		u.profile.Username = in.Username
	}
	if in.FirstName != "" {
		u.profile.FirstName = in.FirstName
	}
	if in.LastName != "" {
		u.profile.LastName = in.LastName
	}
	if in.PhoneNumber != "" {
		u.profile.PhoneNumber = in.PhoneNumber
	}
	u.profile.FullName = strings.TrimSpace(u.profile.FirstName + " " + u.profile.LastName)

	profile := u.profile
	writeJSON(w, http.StatusOK, models.ProfileUpdateResponse{
		Message: "Profile updated successfully",
		User:    &profile,
	})
}

func (s *Server) changePassword(w http.ResponseWriter, r *http.Request) {
	var in models.PasswordChange
	if err := decodeStrict(r, &in); err != nil {
		writeError(w, r, err)
		return
	}

	uid := userIDFrom(r.Context())

	s.mu.Lock()
	u, ok := s.users[uid]
	var hash string
	if ok {
		hash = u.passwordHash
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, r, ErrNotFound)
		return
	}

	fe := fieldErrors{}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(in.OldPassword)) != nil {
		fe.add("old_password", "Old password is incorrect.")
	}
	if len(in.NewPassword) < minPasswordLen {
		fe.add("new_password", "This password is too short. It must contain at least 8 characters.")
	}
	if in.NewPassword != in.NewPasswordConfirm {
		fe.add("new_password", "Password fields didn't match.")
	}
	if len(fe) > 0 {
		writeError(w, r, fe)
		return
	}

	newHash, err := bcrypt.GenerateFromPassword([]byte(in.NewPassword), s.opts.BcryptCost)
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.mu.Lock()
	if u, ok := s.users[uid]; ok {
		u.passwordHash = string(newHash)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"message": "Password changed successfully"})
}

// insertUser создаёт пользователя. Вызывается под s.mu.
func (s *Server) insertUser(email, username, hash string, isAdmin bool) *user {
	s.nextUser++
	now := s.opts.Now().UTC()

	role := "customer"
	if isAdmin {
		role = "admin"
	}

	u := &user{
		profile: models.UserProfile{
			ID:         s.nextUser,
			Email:      email,
			Username:   username,
			Role:       role,
			IsAdmin:    isAdmin,
			IsActive:   true,
			DateJoined: &now,
		},
		passwordHash: hash,
	}

	s.users[u.profile.ID] = u
	s.byEmail[email] = u.profile.ID

	return u
}

// issuePair выдаёт access + refresh. Вызывается под s.mu.
func (s *Server) issuePair(userID int64) (string, string, error) {
	now := s.opts.Now()

	access, err := s.issueAccess(userID, now)
	if err != nil {
		return "", "", err
	}

	refresh, err := s.issueRefresh(userID, now)
	if err != nil {
		return "", "", err
	}

	return access, refresh, nil
}

// isAdmin сообщает, что текущий пользователь — администратор. Вызывается под s.mu.
func (s *Server) isAdmin(r *http.Request) bool {
	u, ok := s.users[userIDFrom(r.Context())]
	return ok && u.profile.IsAdmin
}

func timePtr(t time.Time) *time.Time { return &t }
