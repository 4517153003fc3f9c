package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConcluded indicates an attempt to change a deployment's conclusion
// after one was already recorded.
var ErrConcluded = errors.New("repository: deployment already concluded")
