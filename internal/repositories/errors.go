package repositories

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	node, err := repo.GetByID(ctx, id)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint (duplicate node name, duplicate username) or when an operation
// races with another in a way that must be rejected, such as starting a job
// that is already running.
var ErrConflict = errors.New("record already exists")

// ErrInvariant is returned when a mutation would break referential
// consistency that the schema alone cannot express, for example deleting a
// node that is still referenced by active sync jobs, or creating a grouped
// job whose endpoints disagree with the rest of its group.
var ErrInvariant = errors.New("operation violates a consistency rule")
