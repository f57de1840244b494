// redact — утилиты безопасного редактирования чувствительных данных для логов
// клиента: e-mail и отпечатки токенов.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Email маскирует e-mail для логирования.
//
// Правила:
//   - строка должна содержать ровно один символ '@', иначе возвращается "***";
//   - локальная часть заменяется на первые два символа (по рунам) + "***";
//   - если локальная часть не длиннее 2 символов — "***@<domain>";
//   - домен возвращается без изменений.
//
// Примеры:
//
//	"foobar@example.com" -> "fo***@example.com"
//	"ab@ex.com"          -> "***@ex.com"
func Email(s string) string {
	if strings.Count(s, "@") != 1 {
		return "***"
	}

	i := strings.IndexByte(s, '@')
	local, domain := s[:i], s[i+1:]

	lr := []rune(local)
	if len(lr) > 2 {
		local = string(lr[:2]) + "***"
	} else {
		local = "***"
	}

	return local + "@" + domain
}

// Fingerprint — короткий необратимый отпечаток токена (8 hex-символов sha256).
// Позволяет сопоставлять в логах «какой именно» токен был отклонён/обновлён,
// не раскрывая его. Пустая строка даёт "-".
func Fingerprint(token string) string {
	if token == "" {
		return "-"
	}

	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:4])
}
