// Package utils contains small utilities shared across s3gc packages.
package utils

import (
	"fmt"
	"io"
	"strings"

	"github.com/siddontang/loggers"
)

const (
	// KeySeparator is used to hash a composite CDC source identity into a string key.
	KeySeparator = "-#-"
)

// HashKey converts a composite value (e.g. table+column+primary key tuple) into
// a single string suitable for use as a map key or log field.
func HashKey(parts ...any) string {
	var out []string
	for _, v := range parts {
		out = append(out, fmt.Sprintf("%v", v))
	}
	return strings.Join(out, KeySeparator)
}

// ErrInErr is a wrapper func to avoid nesting too deeply when handling an error
// that occurs while already unwinding an error path. Not catching the error
// makes linters unhappy, but there's rarely anything further to do about it.
func ErrInErr(_ error) {
}

// CloseAndLog closes c and logs any error at Warn level instead of discarding it.
func CloseAndLog(c io.Closer, logger loggers.Advanced) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		if logger != nil {
			logger.Warnf("error closing resource: %v", err)
		}
	}
}

// StripPort removes a trailing ":port" suffix from a hostname.
func StripPort(hostname string) string {
	if strings.Contains(hostname, ":") {
		return strings.Split(hostname, ":")[0]
	}
	return hostname
}
