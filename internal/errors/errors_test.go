package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	err := New("TEST_001", "something broke")
	assert.Equal(t, "[TEST_001] something broke", err.Error())

	wrapped := New("TEST_002", "outer", fmt.Errorf("inner"))
	assert.Contains(t, wrapped.Error(), "TEST_002")
	assert.Contains(t, wrapped.Error(), "inner")
}

func TestWrapAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := Wrap(cause, "BLOB_002", "failed to store payload")

	assert.Equal(t, cause, stderrors.Unwrap(err))
	assert.True(t, stderrors.Is(err, cause))
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, "REPORT_001", GetCode(ErrEmptyLedger))
	assert.Equal(t, "UNKNOWN", GetCode(fmt.Errorf("plain")))
}

func TestRejectionReasonsAreDistinct(t *testing.T) {
	// Empty ledger and missing signature must be observable as separate reasons.
	assert.NotEqual(t, GetCode(ErrEmptyLedger), GetCode(ErrNoSignature))
}
