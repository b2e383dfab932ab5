package errors

import "fmt"

type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(code, message string, cause ...error) *AppError {
	var c error
	if len(cause) > 0 {
		c = cause[0]
	}
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   c,
	}
}

var (
	ErrConfigInvalid = &AppError{Code: "CONFIG_001", Message: "invalid configuration"}

	ErrStreamNotReady = &AppError{Code: "CAPTURE_001", Message: "video stream has not produced a frame"}
	ErrCaptureBusy    = &AppError{Code: "CAPTURE_002", Message: "capture already in progress"}
	ErrRasterFailed   = &AppError{Code: "CAPTURE_003", Message: "failed to rasterize capture"}
	ErrCaptureStale   = &AppError{Code: "CAPTURE_004", Message: "capture result discarded, view no longer active"}

	ErrRecognitionFailed      = &AppError{Code: "RECOG_001", Message: "receipt recognition failed"}
	ErrRecognitionUnavailable = &AppError{Code: "RECOG_002", Message: "recognition service unavailable"}

	ErrBlobRead   = &AppError{Code: "BLOB_001", Message: "failed to read stored payload"}
	ErrBlobWrite  = &AppError{Code: "BLOB_002", Message: "failed to store payload"}
	ErrBlobDelete = &AppError{Code: "BLOB_003", Message: "failed to delete stored payload"}

	ErrEntryNotFound = &AppError{Code: "LEDGER_001", Message: "ledger entry not found"}

	ErrEmptyLedger    = &AppError{Code: "REPORT_001", Message: "no expenses recorded, add at least one entry before exporting"}
	ErrNoSignature    = &AppError{Code: "REPORT_002", Message: "no signature on file, sign the report before exporting"}
	ErrAssemblyFailed = &AppError{Code: "REPORT_003", Message: "report export failed"}

	ErrUnauthorized = &AppError{Code: "AUTH_001", Message: "unauthorized"}

	ErrNotFound   = &AppError{Code: "GEN_001", Message: "resource not found"}
	ErrBadRequest = &AppError{Code: "GEN_002", Message: "bad request"}
	ErrInternal   = &AppError{Code: "GEN_003", Message: "internal error"}
)

func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

func GetCode(err error) string {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return "UNKNOWN"
}

func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}
