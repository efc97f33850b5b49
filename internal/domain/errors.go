package domain

import "errors"

var ErrNotFound = errors.New("not found")

// ErrNotDownloading is returned for protocol-usage errors such as updating
// the priority of a segment that has no in-flight request.
var ErrNotDownloading = errors.New("segment is not downloading")

// ErrDestroyed is returned when an operation is attempted after teardown.
var ErrDestroyed = errors.New("loader destroyed")
