// Входные/выходные модели эндпойнтов /auth/* удалённого API.
package models

// Credentials — данные для входа.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Registration — данные для регистрации.
type Registration struct {
	Email           string `json:"email"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
	IsAdmin         bool   `json:"is_admin"`
}

// LoginResponse — ответ /auth/login/.
type LoginResponse struct {
	Access  string       `json:"access"`
	Refresh string       `json:"refresh"`
	User    *UserProfile `json:"user,omitempty"`
}

// TokensDTO — вложенный объект tokens в ответе регистрации.
type TokensDTO struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// RegisterResponse — ответ /auth/register/.
type RegisterResponse struct {
	Message string       `json:"message,omitempty"`
	User    *UserProfile `json:"user,omitempty"`
	Tokens  TokensDTO    `json:"tokens"`
}

// RefreshRequest — тело /auth/refresh/ и /auth/logout/.
type RefreshRequest struct {
	Refresh string `json:"refresh"`
}

// RefreshResponse — ответ /auth/refresh/. Refresh заполнен только при ротации.
type RefreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

// ProfileUpdate — тело /auth/profile/update/.
type ProfileUpdate struct {
	Email       string `json:"email,omitempty"`
	Username    string `json:"username,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// ProfileUpdateResponse — сервер отдаёт либо {user: {...}}, либо профиль целиком.
type ProfileUpdateResponse struct {
	Message string       `json:"message,omitempty"`
	User    *UserProfile `json:"user,omitempty"`
}

// PasswordChange — тело /auth/profile/change-password/.
type PasswordChange struct {
	OldPassword        string `json:"old_password"`
	NewPassword        string `json:"new_password"`
	NewPasswordConfirm string `json:"new_password_confirm"`
}
