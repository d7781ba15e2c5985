package errutil

import "fmt"

// UnknownError is the panic message for an error that fell through every known class.
func UnknownError(err error) string {
	return fmt.Sprintf("unclassified error %T: %v", err, err)
}
