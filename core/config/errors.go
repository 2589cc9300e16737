package config

import "errors"

// ErrInvalidConfig is returned for configuration that is fatally wrong at
// startup.
var ErrInvalidConfig = errors.New("invalid configuration")
