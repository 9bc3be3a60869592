package handler

import (
	"encoding/base64"
	"fmt"
	"strconv"
)

// DecodeJobCursor returns the id the next page starts after. An empty
// cursor starts at the beginning.
func DecodeJobCursor(cursorStr string) (int64, error) {
	if cursorStr == "" {
		return 0, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursorStr)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	id, err := strconv.ParseInt(string(decoded), 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid cursor format")
	}

	return id, nil
}

// EncodeJobCursor encodes the last id of a page
func EncodeJobCursor(lastID int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(lastID, 10)))
}
