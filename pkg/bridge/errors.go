// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"errors"
	"fmt"
)

var (
	OptionsErr           = errors.New("invalid options")
	StartErr             = errors.New("unable to start worker")
	RunErr               = errors.New("worker failed while running")
	CommunicationLostErr = errors.New("no response was received from the worker")
	ProtocolViolationErr = errors.New("worker protocol violation")
	NotRunningErr        = errors.New("worker is not running")
	UnknownOperationErr  = errors.New("unknown operation")
	SettingsErr          = errors.New("invalid settings")
)

// wrap tags errs with the base name of the worker they concern.
func wrap(baseName string, errs ...error) error {
	return fmt.Errorf("worker process %s: %w", baseName, errors.Join(errs...))
}
