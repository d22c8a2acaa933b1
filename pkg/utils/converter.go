// Package utils provides utility functions for keyagent.
// This file contains data conversion, transformation, and formatting utilities.
package utils

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ================================================================================
// Encoding
// ================================================================================

// EncodeBase64URL encodes data with the padded URL-safe alphabet used on the wire
func EncodeBase64URL(data []byte) string {
	return base64.URLEncoding.EncodeToString(data)
}

// DecodeBase64URL decodes URL-safe base64, with or without padding
func DecodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(s), "="))
}

// ================================================================================
// String Conversion
// ================================================================================

// ParseInt64 parses a base-10 int64, reporting whether s was numeric
func ParseInt64(s string) (int64, bool) {
	val, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return val, err == nil
}

// ================================================================================
// Time Conversion
// ================================================================================

// UnixMillis returns t as epoch milliseconds
func UnixMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromUnixMillis converts epoch milliseconds to a UTC time
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// ================================================================================
// Paths
// ================================================================================

// ExpandHome replaces a leading "~" with the current user's home directory
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], string(filepath.Separator)))
}
