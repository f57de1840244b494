package models

import "time"

// UserProfile — профиль пользователя, зеркалирующий ответ /auth/profile/.
type UserProfile struct {
	ID          int64      `json:"id"`
	Email       string     `json:"email"`
	Username    string     `json:"username"`
	FirstName   string     `json:"first_name,omitempty"`
	LastName    string     `json:"last_name,omitempty"`
	FullName    string     `json:"full_name,omitempty"`
	Role        string     `json:"role,omitempty"`
	IsAdmin     bool       `json:"is_admin"`
	IsActive    bool       `json:"is_active"`
	PhoneNumber string     `json:"phone_number,omitempty"`
	DateJoined  *time.Time `json:"date_joined,omitempty"`
	LastLogin   *time.Time `json:"last_login,omitempty"`
}

// State — состояние автомата сессии.
type State string

const (
	StateAnonymous      State = "anonymous"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
)

// Session — производное представление сессии; нигде не хранится,
// пересчитывается из пары токенов и загруженного профиля.
//
// IsAuthenticated истинно тогда и только тогда, когда есть пара токенов
// И профиль успешно загружен.
type Session struct {
	User            *UserProfile
	IsAuthenticated bool
	IsAdmin         bool
	State           State
}
