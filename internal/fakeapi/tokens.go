package fakeapi

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "sweetshop-fakeapi"

type accessClaims struct {
	UserID int64 `json:"user_id"`
	// Gen — поколение access-токенов; ExpireAccessTokens поднимает его,
	// и все выданные ранее токены перестают приниматься.
	Gen uint64 `json:"gen"`
	jwt.RegisteredClaims
}

type refreshToken struct {
	userID    int64
	expiresAt time.Time
	revoked   bool
}

// issueAccess подписывает access-токен. Вызывается под s.mu.
func (s *Server) issueAccess(userID int64, now time.Time) (string, error) {
	const op = "fakeapi.issueAccess"

	claims := accessClaims{
		UserID: userID,
		Gen:    s.accessGen,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.AccessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   strconv.FormatInt(userID, 10),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return signed, nil
}

// validateAccess проверяет подпись, срок и поколение токена. Вызывается под s.mu.
func (s *Server) validateAccess(tokenStr string) (int64, error) {
	const op = "fakeapi.validateAccess"

	token, err := jwt.ParseWithClaims(tokenStr, &accessClaims{},
		func(t *jwt.Token) (interface{}, error) {
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.opts.Now),
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	claims, ok := token.Claims.(*accessClaims)
	if !ok || !token.Valid || claims.Gen != s.accessGen {
		return 0, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	if _, ok := s.users[claims.UserID]; !ok {
		return 0, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	return claims.UserID, nil
}

// issueRefresh создаёт непрозрачный refresh-токен; хранится только хэш.
// Вызывается под s.mu.
func (s *Server) issueRefresh(userID int64, now time.Time) (string, error) {
	const op = "fakeapi.issueRefresh"

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	plain := base64.RawURLEncoding.EncodeToString(b)

	s.refresh[hashToken(plain)] = &refreshToken{
		userID:    userID,
		expiresAt: now.Add(s.opts.RefreshTTL),
	}

	return plain, nil
}

// validateRefresh ищет refresh-токен по хэшу. Вызывается под s.mu.
func (s *Server) validateRefresh(plain string, now time.Time) (*refreshToken, error) {
	const op = "fakeapi.validateRefresh"

	rt, ok := s.refresh[hashToken(plain)]
	if !ok || rt.revoked || now.After(rt.expiresAt) {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidRefresh)
	}

	if _, ok := s.users[rt.userID]; !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidRefresh)
	}

	return rt, nil
}

func hashToken(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
