// Package store provides the chat store and agent resolver implementations
// the engine persists sessions, messages and agent configurations with.
package store

import "errors"

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("store closed")
