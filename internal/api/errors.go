package api

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when the backend does not know the job.
	ErrNotFound = errors.New("job not found")
	// ErrStatusUnreachable wraps transport failures where no HTTP response
	// was received.
	ErrStatusUnreachable = errors.New("backend unreachable")
)

// IsPermanent reports whether retrying a status pull cannot help.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// StatusError is a non-2xx response other than 404.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("backend returned %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}
