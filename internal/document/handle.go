package document

import (
	"fmt"
	"strings"

	"github.com/segmentio/ksuid"
)

const handlePrefix = "doc:"

// Handle addresses one replica. It is opaque to callers and distinct from the
// logical resume id.
type Handle string

func NewHandle() Handle {
	return Handle(handlePrefix + ksuid.New().String())
}

func ParseHandle(s string) (Handle, error) {
	rest, ok := strings.CutPrefix(s, handlePrefix)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidHandle, s)
	}
	if _, err := ksuid.Parse(rest); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidHandle, s, err)
	}
	return Handle(s), nil
}

func (h Handle) String() string { return string(h) }
