package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrRunInProgress indicates another generation run holds the lock.
	ErrRunInProgress = errors.New("generation run already in progress")
)
