package cache

import (
	"net/url"
	"slices"
	"strings"
)

// Key строит ключ кэша из имени ресурса и параметров запроса.
// Порядок параметров и порядок значений внутри параметра не влияют на ключ:
// Key("sweets", {b:1, a:2}) == Key("sweets", {a:2, b:1}) == "sweets?a=2&b=1".
func Key(resource string, params url.Values) string {
	resource = strings.Trim(resource, "/")
	if len(params) == 0 {
		return resource
	}

	sorted := make(url.Values, len(params))
	for k, vs := range params {
		if len(vs) == 0 {
			continue
		}
		cp := slices.Clone(vs)
		slices.Sort(cp)
		sorted[k] = cp
	}

	if len(sorted) == 0 {
		return resource
	}

	return resource + "?" + sorted.Encode()
}

// Matches сообщает, попадает ли key под prefix с учётом границы сегмента пути.
//
//   - "" — любой ключ;
//   - "sweets" — "sweets", "sweets?…", "sweets/5", "sweets/5?…", но не "sweetshop";
//   - "sweets?" — только списки коллекции: "sweets" и "sweets?…", без "sweets/5";
//   - "sweets?category=candy" — только этот ключ.
func Matches(key, prefix string) bool {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return true
	}

	resource, _, _ := strings.Cut(key, "?")

	if base, ok := strings.CutSuffix(prefix, "?"); ok {
		return resource == strings.Trim(base, "/")
	}

	if strings.Contains(prefix, "?") {
		return key == prefix
	}

	return resource == prefix || strings.HasPrefix(resource, prefix+"/")
}

// ListsOf — префикс, под который попадают только списки коллекции resource.
func ListsOf(resource string) string {
	return strings.Trim(resource, "/") + "?"
}
