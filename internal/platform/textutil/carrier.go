package textutil

import "strings"

// NormalizeID lowercases and trims a provider or settings identifier.
func NormalizeID(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// NormalizeIDList normalizes every id, dropping blanks and repeats while keeping the first
// occurrence order.
func NormalizeIDList(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = NormalizeID(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// NormalizeCarrierMetadata keys carrier settings by normalized provider id and setting name and
// trims every value. A provider listed with no usable settings is kept with an empty map so callers
// can still tell it apart from a provider that was left out. Entries whose provider or setting name
// is blank are dropped.
func NormalizeCarrierMetadata(metadata map[string]map[string]string) map[string]map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]map[string]string, len(metadata))
	for provider, values := range metadata {
		id := NormalizeID(provider)
		if id == "" {
			continue
		}
		settings, ok := out[id]
		if !ok {
			settings = make(map[string]string, len(values))
			out[id] = settings
		}
		for key, value := range values {
			key = NormalizeID(key)
			if key == "" {
				continue
			}
			settings[key] = strings.TrimSpace(value)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
