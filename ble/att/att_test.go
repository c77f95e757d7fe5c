package att

import (
	"fmt"
	"strings"
	"testing"
)

func TestErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"known code", NewError(ErrAttributeNotFound, OpReadByGroupTypeRequest, 0x0001), "Attribute Not Found"},
		{"database changed", NewError(ErrDatabaseOutOfSync, OpReadByTypeRequest, 0x0010), "Database Out Of Sync"},
		{"application range", NewError(0x85, OpWriteRequest, 0x0020), "Application Error (0x85)"},
		{"common profile range", NewError(0xE1, OpWriteRequest, 0x0020), "Common Profile Error (0xE1)"},
		{"unknown opcode", NewError(ErrUnlikelyError, 0x77, 0x0020), "request 0x77"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); !strings.Contains(got, tt.want) {
				t.Errorf("Error() = %q, want substring %q", got, tt.want)
			}
		})
	}
}

func TestCodeUnwraps(t *testing.T) {
	wrapped := fmt.Errorf("discovery: %w", NewError(ErrDatabaseOutOfSync, OpReadByTypeRequest, 5))

	if got := Code(wrapped); got != ErrDatabaseOutOfSync {
		t.Errorf("Code() = 0x%02X, want 0x%02X", got, ErrDatabaseOutOfSync)
	}
	if !IsDatabaseChanged(wrapped) {
		t.Error("IsDatabaseChanged() = false for wrapped out-of-sync error")
	}
	if IsDatabaseChanged(fmt.Errorf("plain")) {
		t.Error("IsDatabaseChanged() = true for non-ATT error")
	}
	if IsCode(nil, 0) {
		t.Error("IsCode(nil, 0) = true, want false")
	}
}
