package paging

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultSize is the page size used when the caller does not supply one.
	DefaultSize = 10
	// DefaultMaxSize bounds the page size a caller may request.
	DefaultMaxSize = 100
	// MaxPage is the largest page index accepted.
	MaxPage = math.MaxInt32
)

// ErrInvalidPage is returned for a negative, non-numeric or out-of-range page index.
var ErrInvalidPage = errors.New("page must be a non-negative integer")

// ErrInvalidSize is returned for a size outside 1..maxSize.
var ErrInvalidSize = errors.New("size out of range")

// ErrInvalidSort is returned for an unknown sort property or direction.
var ErrInvalidSort = errors.New("invalid sort")

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "ASC"
	Desc Direction = "DESC"
)

// Order sorts by one property.
type Order struct {
	Property  string
	Direction Direction
}

// Sort is an ordered list of orders. An empty Sort means unsorted.
type Sort []Order

// Request identifies one page of a collection.
type Request struct {
	Page int
	Size int
	Sort Sort
}

// Offset returns the index of the first element of the page.
func (r Request) Offset() int64 {
	return int64(r.Page) * int64(r.Size)
}

// DefaultRequest returns page 0 with the default size, unsorted.
func DefaultRequest() Request {
	return Request{Page: 0, Size: DefaultSize}
}

// ParseRequest reads page, size and sort from query values.
// sort accepts "property" or "property,asc|desc" and may repeat.
// Properties outside allowed are rejected; a nil allowed accepts any property.
func ParseRequest(q url.Values, defaultSize, maxSize int, allowed []string) (Request, error) {
	if defaultSize <= 0 {
		defaultSize = DefaultSize
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	req := Request{Page: 0, Size: defaultSize}

	if s := strings.TrimSpace(q.Get("size")); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxSize {
			return Request{}, fmt.Errorf("%w: must be between 1 and %d", ErrInvalidSize, maxSize)
		}
		req.Size = n
	}
	if s := strings.TrimSpace(q.Get("page")); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return Request{}, ErrInvalidPage
		}
		// page*size must fit the int64 offset handed to the store.
		if n > MaxPage || int64(n) > math.MaxInt64/int64(req.Size) {
			return Request{}, fmt.Errorf("%w: at most %d", ErrInvalidPage, MaxPage)
		}
		req.Page = n
	}
	for _, raw := range q["sort"] {
		order, err := parseOrder(raw, allowed)
		if err != nil {
			return Request{}, err
		}
		req.Sort = append(req.Sort, order)
	}
	return req, nil
}

func parseOrder(raw string, allowed []string) (Order, error) {
	parts := strings.Split(raw, ",")
	prop := strings.TrimSpace(parts[0])
	if prop == "" || len(parts) > 2 {
		return Order{}, fmt.Errorf("%w: %q", ErrInvalidSort, raw)
	}
	if allowed != nil && !contains(allowed, prop) {
		return Order{}, fmt.Errorf("%w: unknown property %q", ErrInvalidSort, prop)
	}
	dir := Asc
	if len(parts) == 2 {
		switch strings.ToUpper(strings.TrimSpace(parts[1])) {
		case "ASC":
		case "DESC":
			dir = Desc
		default:
			return Order{}, fmt.Errorf("%w: unknown direction %q", ErrInvalidSort, parts[1])
		}
	}
	return Order{Property: prop, Direction: dir}, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
