package memory

import "errors"

var (
	// ErrNotFound indicates no record exists for the requested id.
	ErrNotFound = errors.New("memory record not found")

	// ErrAlreadyExists indicates a uniqueness conflict on insert. Callers
	// decide whether the conflict is benign (e.g. a reaction recorded twice).
	ErrAlreadyExists = errors.New("memory record already exists")
)
