package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when an optimistic merge lost the race: the issue's
// article_count changed between the read and the update. Callers re-read the
// issue and retry with a fresh centroid.
var ErrConflict = errors.New("storage: concurrent update conflict")

// ErrDuplicate is returned when inserting an article whose title_hash is
// already present.
var ErrDuplicate = errors.New("storage: duplicate article")
