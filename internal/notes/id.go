package notes

import "github.com/google/uuid"

type uuidProvider struct{}

// NewUUIDProvider returns an IDProvider backed by time-ordered UUIDs, so
// identifiers created close together stay adjacent in the primary index.
func NewUUIDProvider() IDProvider {
	return uuidProvider{}
}

func (uuidProvider) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
