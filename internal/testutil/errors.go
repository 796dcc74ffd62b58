package testutil

import "errors"

// ErrInjected is returned by test doubles when a failure is switched on.
var ErrInjected = errors.New("injected failure")
