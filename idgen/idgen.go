// Package idgen mints identifiers: request ids, audit rows, execution error
// reports. Constructors that mint ids take a Generator so tests can pass a
// deterministic one.
package idgen

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator returns a new identifier on each call.
type Generator func() string

// UUIDv7 generates RFC 9562 version 7 UUIDs. They sort by creation time,
// which keeps audit and report rows in insertion order on their primary key.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Sequence generates prefix1, prefix2, ... Safe for concurrent use.
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string {
		return prefix + strconv.FormatInt(n.Add(1), 10)
	}
}

// Prefixed tags every id of gen with prefix ("req_", "exe_", "aud_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string { return prefix + gen() }
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// New returns an id from Default.
func New() string { return Default() }
