package models

// UserProfile is the single resource served by the API.
// ID is nil until the profile has been persisted.
type UserProfile struct {
	ID     *int64 `json:"id" db:"id"`
	Email  string `json:"email" db:"email"`
	Active bool   `json:"active" db:"active"`
}

// IDValue returns the assigned id, or 0 when the profile is not persisted.
func (p UserProfile) IDValue() int64 {
	if p.ID == nil {
		return 0
	}
	return *p.ID
}

// WithID returns a copy of p carrying the given id.
func (p UserProfile) WithID(id int64) UserProfile {
	p.ID = &id
	return p
}
