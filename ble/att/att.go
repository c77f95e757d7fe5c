// Package att carries the ATT error codes and opcodes the discovery
// procedures report back through the radio driver.
package att

import (
	"errors"
	"fmt"
)

// Opcodes used by the GATT discovery procedures
const (
	OpErrorResponse           = 0x01
	OpExchangeMTURequest      = 0x02
	OpFindInformationRequest  = 0x04
	OpFindByTypeValueRequest  = 0x06
	OpReadByTypeRequest       = 0x08
	OpReadByGroupTypeRequest  = 0x10
	OpWriteRequest            = 0x12
	OpHandleValueIndication   = 0x1D
	OpHandleValueConfirmation = 0x1E
)

var opcodeNames = map[uint8]string{
	OpErrorResponse:           "Error Response",
	OpExchangeMTURequest:      "Exchange MTU Request",
	OpFindInformationRequest:  "Find Information Request",
	OpFindByTypeValueRequest:  "Find By Type Value Request",
	OpReadByTypeRequest:       "Read By Type Request",
	OpReadByGroupTypeRequest:  "Read By Group Type Request",
	OpWriteRequest:            "Write Request",
	OpHandleValueIndication:   "Handle Value Indication",
	OpHandleValueConfirmation: "Handle Value Confirmation",
}

// Error codes (Core v5.3 Vol 3 Part F 3.4.1.1)
const (
	ErrInvalidHandle              = 0x01
	ErrReadNotPermitted           = 0x02
	ErrWriteNotPermitted          = 0x03
	ErrInvalidPDU                 = 0x04
	ErrInsufficientAuthentication = 0x05
	ErrRequestNotSupported        = 0x06
	ErrAttributeNotFound          = 0x0A
	ErrUnlikelyError              = 0x0E
	ErrInsufficientEncryption     = 0x0F
	ErrUnsupportedGroupType       = 0x10
	ErrInsufficientResources      = 0x11
	ErrDatabaseOutOfSync          = 0x12

	ErrCCCDImproperlyConfigured   = 0xFD
	ErrProcedureAlreadyInProgress = 0xFE
)

var errorNames = map[uint8]string{
	ErrInvalidHandle:              "Invalid Handle",
	ErrReadNotPermitted:           "Read Not Permitted",
	ErrWriteNotPermitted:          "Write Not Permitted",
	ErrInvalidPDU:                 "Invalid PDU",
	ErrInsufficientAuthentication: "Insufficient Authentication",
	ErrRequestNotSupported:        "Request Not Supported",
	ErrAttributeNotFound:          "Attribute Not Found",
	ErrUnlikelyError:              "Unlikely Error",
	ErrInsufficientEncryption:     "Insufficient Encryption",
	ErrUnsupportedGroupType:       "Unsupported Group Type",
	ErrInsufficientResources:      "Insufficient Resources",
	ErrDatabaseOutOfSync:          "Database Out Of Sync",
	ErrCCCDImproperlyConfigured:   "CCCD Improperly Configured",
	ErrProcedureAlreadyInProgress: "Procedure Already In Progress",
}

// Error is an ATT Error Response received from the remote.
type Error struct {
	Code          uint8
	RequestOpcode uint8
	Handle        uint16
}

func NewError(code, requestOpcode uint8, handle uint16) *Error {
	return &Error{Code: code, RequestOpcode: requestOpcode, Handle: handle}
}

func (e *Error) Error() string {
	name, ok := errorNames[e.Code]
	if !ok {
		switch {
		case e.Code >= 0x80 && e.Code <= 0x9F:
			name = fmt.Sprintf("Application Error (0x%02X)", e.Code)
		case e.Code >= 0xE0:
			name = fmt.Sprintf("Common Profile Error (0x%02X)", e.Code)
		default:
			name = fmt.Sprintf("Unknown Error (0x%02X)", e.Code)
		}
	}
	op, ok := opcodeNames[e.RequestOpcode]
	if !ok {
		op = fmt.Sprintf("0x%02X", e.RequestOpcode)
	}
	return fmt.Sprintf("att: %s (handle 0x%04X, request %s)", name, e.Handle, op)
}

// Code returns the ATT error code carried by err, or 0.
func Code(err error) uint8 {
	var attErr *Error
	if errors.As(err, &attErr) {
		return attErr.Code
	}
	return 0
}

// IsCode reports whether err wraps an ATT error with the given code.
func IsCode(err error, code uint8) bool {
	return err != nil && Code(err) == code
}

// IsDatabaseChanged reports whether the remote told us our handle cache is stale.
func IsDatabaseChanged(err error) bool {
	return IsCode(err, ErrDatabaseOutOfSync)
}
