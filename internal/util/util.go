// Package util provides shared helpers for the CHIMERA gateway.
package util

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// CanonicalJSON returns a canonical (deterministic) JSON representation.
// Keys are sorted alphabetically at all levels. The ledger hash chain
// depends on this being stable across processes.
func CanonicalJSON(v any) ([]byte, error) {
	// Marshal then unmarshal to normalize struct fields into maps.
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var normalized any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return nil, err
	}

	return canonicalMarshal(normalized)
}

func canonicalMarshal(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		return canonicalMarshalMap(val)
	case []any:
		return canonicalMarshalSlice(val)
	default:
		return json.Marshal(v)
	}
}

func canonicalMarshalMap(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := []byte("{")
	for i, k := range keys {
		if i > 0 {
			result = append(result, ',')
		}
		keyBytes, _ := json.Marshal(k)
		result = append(result, keyBytes...)
		result = append(result, ':')

		valBytes, err := canonicalMarshal(m[k])
		if err != nil {
			return nil, err
		}
		result = append(result, valBytes...)
	}
	result = append(result, '}')
	return result, nil
}

func canonicalMarshalSlice(s []any) ([]byte, error) {
	result := []byte("[")
	for i, item := range s {
		if i > 0 {
			result = append(result, ',')
		}
		itemBytes, err := canonicalMarshal(item)
		if err != nil {
			return nil, err
		}
		result = append(result, itemBytes...)
	}
	result = append(result, ']')
	return result, nil
}

// HashBytes computes the hex SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// TruncateString truncates a string to maxLen characters, adding "..." if truncated.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// DedupeStrings removes duplicates from a string slice while preserving order.
func DedupeStrings(ss []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(ss))
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	return result
}
