package database

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConnectionFailed matches every error produced while opening or
// configuring a store connection.
var ErrConnectionFailed = errors.New("connection failed")

// ConnError reports a failure to open or configure a connection.
type ConnError struct {
	Path string
	Err  error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("connection failed (path=%s): %v", e.Path, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

func (e *ConnError) Is(target error) bool { return target == ErrConnectionFailed }

const sqliteConstraintCode = 19

// IsConstraint reports whether err is an SQLite integrity violation
// (foreign key, unique, check, NOT NULL or a trigger RAISE).
func IsConstraint(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) {
		return coder.Code()&0xff == sqliteConstraintCode
	}
	return strings.Contains(err.Error(), "constraint failed")
}
