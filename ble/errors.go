package ble

import "errors"

var (
	ErrInvalidPayload  = errors.New("ble: invalid advertising payload")
	ErrInvalidTerm     = errors.New("ble: invalid advertising term")
	ErrNotInitialized  = errors.New("ble: core not initialized")
	ErrStaleConnection = errors.New("ble: connection no longer valid")
	ErrScanFailed      = errors.New("ble: controller refused scan request")
	ErrInvalidRange    = errors.New("ble: invalid handle range")
	ErrUnknownHandle   = errors.New("ble: handle not in any discovered service")
)
