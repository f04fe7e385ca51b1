package authtest

import (
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const minPasswordLen = 8

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type pairResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

type uidTokenRequest struct {
	UID         string `json:"uid"`
	Token       string `json:"token"`
	NewPassword string `json:"new_password,omitempty"`
}

type profileResponse struct {
	ID             int64  `json:"id"`
	Email          string `json:"email"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	Phone          string `json:"phone"`
	ProfilePicture string `json:"profile_picture,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/accounts/token/" {
		http.NotFound(w, r)
		return
	}
	s.count("login")

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[strings.ToLower(strings.TrimSpace(req.Email))]
	if !ok || u.Password != req.Password {
		writeDetail(w, http.StatusBadRequest, "Invalid credentials")
		return
	}
	if !u.Active {
		writeDetail(w, http.StatusBadRequest, "Account is not activated")
		return
	}

	access, refresh, err := s.issueLocked(u.ID, ulid.Make().String())
	if err != nil {
		s.log.Error("authtest.login.fail", "err", err)
		writeDetail(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, pairResponse{Access: access, Refresh: refresh})
}

// handleRefresh rotates refresh tokens with reuse detection: presenting an already-used token
// revokes its whole family.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.count("refresh")

	s.mu.Lock()
	delay, fail := s.refreshDelay, s.failRefresh
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.Refresh) == "" {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"refresh": {"This field is required."}})
		return
	}
	if fail != 0 {
		writeJSON(w, fail, map[string]string{"detail": "Token is invalid or expired", "code": "token_not_valid"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.refresh[req.Refresh]
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Token is invalid or expired", "code": "token_not_valid"})
		return
	}
	if st.used {
		s.revokeFamilyLocked(st.family)
		s.log.Warn("authtest.refresh.reuse_detected", "family", st.family)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Token is blacklisted", "code": "token_not_valid"})
		return
	}

	access, err := s.mintAccessLocked(st.userID)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !s.rotate {
		writeJSON(w, http.StatusOK, pairResponse{Access: access})
		return
	}

	st.used = true
	next, err := newOpaqueRefreshToken(refreshTokenBytes)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.refresh[next] = &refreshState{userID: st.userID, family: st.family}
	writeJSON(w, http.StatusOK, pairResponse{Access: access, Refresh: next})
}

func (s *Server) revokeFamilyLocked(family string) {
	for tok, st := range s.refresh {
		if st.family == family {
			delete(s.refresh, tok)
		}
	}
}

func (s *Server) handleBlacklist(w http.ResponseWriter, r *http.Request) {
	s.count("blacklist")

	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	if st, ok := s.refresh[req.Refresh]; ok {
		s.revokeFamilyLocked(st.family)
	}
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	s.count("register")

	if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
		writeDetail(w, http.StatusBadRequest, "multipart body required")
		return
	}

	email := strings.ToLower(strings.TrimSpace(r.FormValue("email")))
	password := r.FormValue("password")

	fields := map[string][]string{}
	if _, err := mail.ParseAddress(email); err != nil {
		fields["email"] = []string{"Enter a valid email address."}
	}
	if len(password) < minPasswordLen {
		fields["password"] = []string{"This password is too short. It must contain at least 8 characters."}
	}
	if confirm := r.FormValue("confirm_password"); confirm != "" && confirm != password {
		fields["confirm_password"] = []string{"Passwords do not match."}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.users[email]; taken {
		fields["email"] = []string{"user with this email already exists."}
	}
	if len(fields) > 0 {
		writeFields(w, fields)
		return
	}

	u := s.addUserLocked(email, password, false)
	u.FirstName = r.FormValue("first_name")
	u.LastName = r.FormValue("last_name")
	u.Phone = r.FormValue("mobile_phone")
	if _, hdr, err := r.FormFile("profile_picture"); err == nil {
		u.Picture = "/media/profiles/" + hdr.Filename
	}

	tok, err := newOpaqueRefreshToken(16)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.activations[encodeUID(u.ID)] = tok

	writeJSON(w, http.StatusCreated, profileFor(u))
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.count("activate")

	var req uidTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	want, ok := s.activations[req.UID]
	if !ok || want != req.Token {
		writeDetail(w, http.StatusBadRequest, "Invalid or expired activation link")
		return
	}
	u, err := s.userByUIDLocked(req.UID)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid or expired activation link")
		return
	}
	delete(s.activations, req.UID)
	u.Active = true

	access, refresh, err := s.issueLocked(u.ID, ulid.Make().String())
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"detail":  "Account activated successfully",
		"access":  access,
		"refresh": refresh,
	})
}

func (s *Server) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/accounts/password-reset/" {
		http.NotFound(w, r)
		return
	}
	s.count("password_reset")

	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	if u, ok := s.users[strings.ToLower(strings.TrimSpace(req.Email))]; ok {
		if tok, err := newOpaqueRefreshToken(16); err == nil {
			s.resets[encodeUID(u.ID)] = tok
		}
	}
	s.mu.Unlock()

	// Same answer for unknown emails to avoid account enumeration.
	writeDetail(w, http.StatusOK, "Password reset link sent")
}

func (s *Server) handlePasswordResetConfirm(w http.ResponseWriter, r *http.Request) {
	s.count("password_reset_confirm")

	var req uidTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.NewPassword) < minPasswordLen {
		writeFields(w, map[string][]string{"new_password": {"This password is too short. It must contain at least 8 characters."}})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	want, ok := s.resets[req.UID]
	if !ok || want != req.Token {
		writeDetail(w, http.StatusBadRequest, "Invalid or expired reset link")
		return
	}
	u, err := s.userByUIDLocked(req.UID)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid or expired reset link")
		return
	}
	delete(s.resets, req.UID)
	u.Password = req.NewPassword

	writeDetail(w, http.StatusOK, "Password has been reset")
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	s.count("profile")

	uid, ok := s.authenticate(r)
	if !ok {
		writeUnauthorized(w)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.userByIDLocked(uid)
	if u == nil {
		writeDetail(w, http.StatusNotFound, "Not found.")
		return
	}
	writeJSON(w, http.StatusOK, profileFor(u))
}

func (s *Server) handleProfileUpdate(w http.ResponseWriter, r *http.Request) {
	s.count("profile_update")

	uid, ok := s.authenticate(r)
	if !ok {
		writeUnauthorized(w)
		return
	}

	var req struct {
		FirstName *string `json:"first_name"`
		LastName  *string `json:"last_name"`
		Phone     *string `json:"mobile_phone"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Phone != nil && !egyptianMobile(*req.Phone) {
		writeFields(w, map[string][]string{"mobile_phone": {"Enter a valid Egyptian mobile number."}})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.userByIDLocked(uid)
	if u == nil {
		writeDetail(w, http.StatusNotFound, "Not found.")
		return
	}
	if req.FirstName != nil {
		u.FirstName = *req.FirstName
	}
	if req.LastName != nil {
		u.LastName = *req.LastName
	}
	if req.Phone != nil {
		u.Phone = *req.Phone
	}
	writeJSON(w, http.StatusOK, profileFor(u))
}

func (s *Server) handleProfileDelete(w http.ResponseWriter, r *http.Request) {
	s.count("profile_delete")

	uid, ok := s.authenticate(r)
	if !ok {
		writeUnauthorized(w)
		return
	}

	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.userByIDLocked(uid)
	if u == nil {
		writeDetail(w, http.StatusNotFound, "Not found.")
		return
	}
	if u.Password != req.Password {
		writeDetail(w, http.StatusBadRequest, "Incorrect password")
		return
	}
	delete(s.users, u.Email)
	for tok, id := range s.access {
		if id == uid {
			delete(s.access, tok)
		}
	}
	for tok, st := range s.refresh {
		if st.userID == uid {
			delete(s.refresh, tok)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func profileFor(u *user) profileResponse {
	return profileResponse{
		ID:             u.ID,
		Email:          u.Email,
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		Phone:          u.Phone,
		ProfilePicture: u.Picture,
	}
}

// egyptianMobile accepts 01[0125] followed by eight digits.
func egyptianMobile(p string) bool {
	p = strings.TrimSpace(p)
	if len(p) != 11 || !strings.HasPrefix(p, "01") {
		return false
	}
	switch p[2] {
	case '0', '1', '2', '5':
	default:
		return false
	}
	for _, c := range p {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
