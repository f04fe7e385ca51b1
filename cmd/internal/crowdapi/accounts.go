package crowdapi

import (
	"context"
	"fmt"
	"net/http"

	"crowd/cmd/internal/auth/session"
)

// Profile is the signed-in user's account.
type Profile struct {
	ID             int64  `json:"id"`
	Email          string `json:"email"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	MobilePhone    string `json:"phone"`
	ProfilePicture string `json:"profile_picture,omitempty"`
}

// Registration is the sign-up form.
type Registration struct {
	Email           string
	Password        string
	ConfirmPassword string
	FirstName       string
	LastName        string
	MobilePhone     string
	// Picture is optional.
	Picture *session.File
}

// ProfileUpdate changes only the non-nil fields.
type ProfileUpdate struct {
	FirstName   *string `json:"first_name,omitempty"`
	LastName    *string `json:"last_name,omitempty"`
	MobilePhone *string `json:"mobile_phone,omitempty"`
}

// Activation is the result of following an activation link.
type Activation struct {
	Detail string
	// LoggedIn is true when the backend returned a pair and it was stored.
	LoggedIn bool
	Identity session.Identity
}

// Register creates an inactive account. The backend mails an activation link.
func (c *Client) Register(ctx context.Context, reg Registration) (Profile, error) {
	form := map[string][]string{
		"email":        {reg.Email},
		"password":     {reg.Password},
		"first_name":   {reg.FirstName},
		"last_name":    {reg.LastName},
		"mobile_phone": {reg.MobilePhone},
	}
	if reg.ConfirmPassword != "" {
		form["confirm_password"] = []string{reg.ConfirmPassword}
	}

	req := session.Request{
		Service: session.ServiceAccounts,
		Method:  http.MethodPost,
		Path:    "register/",
		Form:    form,
		Op:      "Registration failed",
	}
	if reg.Picture != nil {
		pic := *reg.Picture
		if pic.Field == "" {
			pic.Field = "profile_picture"
		}
		req.Files = []session.File{pic}
	}

	var out Profile
	err := c.call(ctx, req, &out)
	return out, err
}

// Activate confirms an account and, when the backend issues a pair, signs the user in.
func (c *Client) Activate(ctx context.Context, uid, token string) (Activation, error) {
	const op = "Activation failed"

	var out struct {
		Detail  string `json:"detail"`
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
	}
	err := c.call(ctx, session.Request{
		Service: session.ServiceAccounts,
		Method:  http.MethodPost,
		Path:    "activate/",
		Body:    map[string]string{"uid": uid, "token": token},
		Op:      op,
	}, &out)
	if err != nil {
		return Activation{}, err
	}

	act := Activation{Detail: out.Detail}
	if out.Access == "" || out.Refresh == "" {
		return act, nil
	}
	id, err := c.s.Establish(ctx, out.Access, out.Refresh)
	if err != nil {
		return act, fmt.Errorf("%s: %w", op, err)
	}
	act.LoggedIn = true
	act.Identity = id
	return act, nil
}

// RequestPasswordReset asks the backend to mail a reset link. Unknown emails succeed too.
func (c *Client) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	var out detail
	err := c.call(ctx, session.Request{
		Service: session.ServiceAccounts,
		Method:  http.MethodPost,
		Path:    "password-reset/",
		Body:    map[string]string{"email": email},
		Op:      "Failed to request password reset",
	}, &out)
	return out.Detail, err
}

// ConfirmPasswordReset sets a new password from a reset link.
func (c *Client) ConfirmPasswordReset(ctx context.Context, uid, token, newPassword string) (string, error) {
	var out detail
	err := c.call(ctx, session.Request{
		Service: session.ServiceAccounts,
		Method:  http.MethodPost,
		Path:    "password-reset/confirm/",
		Body:    map[string]string{"uid": uid, "token": token, "new_password": newPassword},
		Op:      "Failed to reset password",
	}, &out)
	return out.Detail, err
}

func (c *Client) Profile(ctx context.Context) (Profile, error) {
	var out Profile
	err := c.call(ctx, session.Request{
		Service: session.ServiceAccounts,
		Method:  http.MethodGet,
		Path:    "profile/",
		Op:      "Failed to load profile",
	}, &out)
	return out, err
}

func (c *Client) UpdateProfile(ctx context.Context, upd ProfileUpdate) (Profile, error) {
	var out Profile
	err := c.call(ctx, session.Request{
		Service: session.ServiceAccounts,
		Method:  http.MethodPatch,
		Path:    "profile/",
		Body:    upd,
		Op:      "Failed to update profile",
	}, &out)
	return out, err
}

// DeleteAccount removes the account after re-checking the password, then logs out locally.
func (c *Client) DeleteAccount(ctx context.Context, password string) error {
	err := c.call(ctx, session.Request{
		Service: session.ServiceAccounts,
		Method:  http.MethodDelete,
		Path:    "profile/",
		Body:    map[string]string{"password": password},
		Op:      "Failed to delete account",
	}, nil)
	if err != nil {
		return err
	}
	c.s.Logout(ctx)
	return nil
}
