// validation.go - Filename checks for client supplied upload names
package server

import (
	"fmt"
	"strings"
)

// maxFilenameBytes matches the common filesystem limit for a single path
// component.
const maxFilenameBytes = 255

// ValidateFilename rejects names that would not land as a single file inside
// the upload directory. Names are otherwise stored verbatim.
func ValidateFilename(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator or NUL", ErrInvalidFilename, name)
	case len(name) > maxFilenameBytes:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidFilename, maxFilenameBytes)
	}
	return nil
}
