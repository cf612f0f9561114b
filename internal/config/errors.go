package config

import "github.com/pkg/errors"

// ErrConfiguration matches every *Error through errors.Is.
var ErrConfiguration = errors.New("configuration error")

// Error is a fatal configuration problem: a missing key, an unknown I/O mode
// or a driver used before its network was attached.
type Error struct {
	Key    string
	Reason string
}

func (e *Error) Error() string {
	if e.Key == "" {
		return "configuration: " + e.Reason
	}
	return "configuration: " + e.Key + ": " + e.Reason
}

// Is makes errors.Is(err, ErrConfiguration) true.
func (e *Error) Is(target error) bool { return target == ErrConfiguration }
