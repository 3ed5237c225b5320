package manifest

import (
	"errors"
	"fmt"
)

// ErrManifestBuild is matched by every BuildError.
var ErrManifestBuild = errors.New("manifest build failure")

// ErrEmptySelection indicates BuildFiles was called with nothing selected.
var ErrEmptySelection = errors.New("empty selection")

// BuildError reports a failed manifest build. No manifest is persisted
// when it is returned.
type BuildError struct {
	Op  string
	ID  string
	Err error
}

func (e *BuildError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("manifest %s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("manifest %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *BuildError) Unwrap() error {
	return e.Err
}

// Is matches ErrManifestBuild.
func (e *BuildError) Is(target error) bool {
	return target == ErrManifestBuild
}

func buildErr(op, id string, err error) *BuildError {
	return &BuildError{Op: op, ID: id, Err: err}
}
