// Package elevate re-invokes the current executable with administrator rights
// and reports how it exited.
package elevate

import "fmt"

// ExitError is returned when the elevated process exits with a non-zero code.
type ExitError struct {
	Code uint32
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("elevated process exited with code %d", e.Code)
}
