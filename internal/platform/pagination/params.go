package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize applies when the client omits page_size.
	DefaultPageSize = 50
	// MaxPageSize caps page_size.
	MaxPageSize = 200
)

var (
	// ErrInvalidPageSize indicates a non-numeric or non-positive page_size.
	ErrInvalidPageSize = errors.New("pagination: invalid page size")
	// ErrInvalidPageToken indicates a page_token that was not produced by EncodeToken.
	ErrInvalidPageToken = errors.New("pagination: invalid page token")
)

// Params are the paging inputs of a list request.
type Params struct {
	PageSize int
	Cursor   Cursor
}

// Parse reads page_size and page_token from the request query.
func Parse(r *http.Request) (Params, error) {
	params := Params{PageSize: DefaultPageSize}
	query := r.URL.Query()

	if raw := strings.TrimSpace(query.Get("page_size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size <= 0 {
			return Params{}, fmt.Errorf("%w: %q", ErrInvalidPageSize, raw)
		}
		params.PageSize = min(size, MaxPageSize)
	}

	cursor, err := DecodeToken(query.Get("page_token"))
	if err != nil {
		return Params{}, err
	}
	params.Cursor = cursor
	return params, nil
}
