// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigplan

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// Invariantf returns a fatal error indicating that an internal
// compiler invariant was violated. Such errors signal malformed
// graphs or compiler bugs and are never recovered from.
func Invariantf(format string, args ...interface{}) error {
	return errors.E(errors.Integrity, errors.Fatal, fmt.Sprintf(format, args...))
}

// Invalidf returns an error describing invalid user input.
func Invalidf(format string, args ...interface{}) error {
	return errors.E(errors.Invalid, fmt.Sprintf(format, args...))
}

// IsInvariantViolation tells whether err was caused by a violated
// compiler invariant (see Invariantf).
func IsInvariantViolation(err error) bool {
	return err != nil && errors.Is(errors.Integrity, err)
}
