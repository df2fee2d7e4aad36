package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Cursor marks the last item of the previous page. Lists are ordered by
// descending id, so the next page starts strictly below AfterID.
type Cursor struct {
	AfterID int64 `json:"after_id,omitempty"`
}

// IsZero reports whether the cursor points at the first page.
func (c Cursor) IsZero() bool { return c.AfterID == 0 }

// EncodeToken serialises cursor into an opaque URL-safe page token.
func EncodeToken(cursor Cursor) string {
	if cursor.IsZero() {
		return ""
	}
	data, _ := json.Marshal(cursor)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeToken parses a token produced by EncodeToken. An empty token is the first page.
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var cursor Cursor
	if err := json.Unmarshal(decoded, &cursor); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if cursor.AfterID < 0 {
		return Cursor{}, fmt.Errorf("%w: negative cursor", ErrInvalidPageToken)
	}
	return cursor, nil
}
