// SPDX-License-Identifier: Apache-2.0

// Package loglevel converts between logging levels and the names used on the
// worker command line and in settings files.
package loglevel

import (
	"errors"
	"fmt"

	logging "github.com/loopholelabs/logging/types"
)

var (
	UnknownErr = errors.New("unknown log level")
)

var levels = []struct {
	name  string
	level logging.Level
}{
	{"fatal", logging.FatalLevel},
	{"error", logging.ErrorLevel},
	{"warn", logging.WarnLevel},
	{"info", logging.InfoLevel},
	{"debug", logging.DebugLevel},
	{"trace", logging.TraceLevel},
}

func Parse(name string) (logging.Level, error) {
	for _, l := range levels {
		if l.name == name {
			return l.level, nil
		}
	}
	return logging.InfoLevel, errors.Join(UnknownErr, fmt.Errorf("%q", name))
}

func Name(level logging.Level) string {
	for _, l := range levels {
		if l.level == level {
			return l.name
		}
	}
	return "info"
}
