package logic

import "errors"

var (
	// ErrAlreadyRunning is returned by Start while a firing is in progress.
	ErrAlreadyRunning = errors.New("firing already running")
	// ErrSettingsOpen is returned by Start while the settings overlay is open.
	ErrSettingsOpen = errors.New("settings open")
	// ErrRunning is returned by edits that are only allowed while OFF.
	ErrRunning = errors.New("not allowed while firing")

	// ErrSensorFault means no valid temperature reading is available.
	ErrSensorFault = errors.New("sensor fault")
	// ErrSensorTimeout means the sensor fault outlasted the configured timeout.
	ErrSensorTimeout = errors.New("sensor fault timeout")
	// ErrOverTemperature means the reading exceeded the absolute ceiling.
	ErrOverTemperature = errors.New("over temperature")
)
