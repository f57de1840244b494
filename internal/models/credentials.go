package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CredentialPair — пара токенов текущей сессии.
//
// Описание:
//   - AccessToken — короткоживущий токен для заголовка Authorization;
//   - RefreshToken — долгоживущий секрет, используется только для выпуска
//     нового access-токена.
//
// Для клиента оба значения непрозрачны: срок действия определяет сервер,
// а истечение обнаруживается реактивно (по 401 на очередном запросе).
type CredentialPair struct {
	AccessToken  string
	RefreshToken string
}

// IsZero сообщает, что пара пуста (нет access-токена).
func (p CredentialPair) IsZero() bool {
	return p.AccessToken == ""
}

// AccessExpiresAt пытается прочитать claim exp из access-токена БЕЗ проверки
// подписи. Используется только для логов/диагностики; решения об обновлении
// на его основе не принимаются. Для непрозрачных токенов возвращает false.
func (p CredentialPair) AccessExpiresAt() (time.Time, bool) {
	if p.AccessToken == "" {
		return time.Time{}, false
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(p.AccessToken, &claims); err != nil {
		return time.Time{}, false
	}

	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}

	return claims.ExpiresAt.Time.UTC(), true
}
