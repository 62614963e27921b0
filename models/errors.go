package models

import "errors"

var (
	// ErrMalformedPayload reports a venue message that failed to decode.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrSequenceGap reports a broken update-id sequence in a book
	// diff stream.
	ErrSequenceGap = errors.New("sequence gap")

	// ErrDisconnected reports a dropped stream connection.
	ErrDisconnected = errors.New("stream disconnected")

	// ErrFetchFailed reports a failed historical data request after
	// retries are exhausted.
	ErrFetchFailed = errors.New("fetch failed")

	// ErrUnavailable reports data that the venue does not provide,
	// such as bulk trade history on exchanges without an archive.
	ErrUnavailable = errors.New("data unavailable")

	// ErrNotRunning reports an operation on a stopped component.
	ErrNotRunning = errors.New("component not running")
)
