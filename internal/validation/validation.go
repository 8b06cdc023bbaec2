package validation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/kjstillabower/userprofile-service/internal/models"
)

// MaxEmailLength is the longest email accepted, in runes.
const MaxEmailLength = 320

// ErrInvalidID is returned when a path id is not a positive integer.
var ErrInvalidID = errors.New("id must be a positive integer")

// ErrIDMismatch is returned when a body id disagrees with the path id.
var ErrIDMismatch = errors.New("body id does not match path id")

// ErrEmailTooLong is returned when email exceeds MaxEmailLength.
var ErrEmailTooLong = errors.New("email too long")

// ParseID parses a path parameter into a profile id.
func ParseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidID
	}
	return id, nil
}

// ValidateProfile checks the caller-supplied fields. Email format and
// uniqueness are not enforced.
func ValidateProfile(p models.UserProfile) error {
	if utf8.RuneCountInString(p.Email) > MaxEmailLength {
		return fmt.Errorf("%w: max %d characters", ErrEmailTooLong, MaxEmailLength)
	}
	return nil
}

// ValidateUpdate checks an update body against the path id. A body without an
// id is accepted and takes the path id.
func ValidateUpdate(pathID int64, p models.UserProfile) error {
	if p.ID != nil && *p.ID != pathID {
		return ErrIDMismatch
	}
	return ValidateProfile(p)
}
