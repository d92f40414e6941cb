package push

import (
	"errors"
	"fmt"
)

const (
	ErrCodeInvalidCredential int = 40001
	ErrCodeTokenExpired      int = 42001
	ErrCodeOutOfWindow       int = 45015
)

// APIError carries the errcode/errmsg pair the platform returns in an
// otherwise 200 response.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wechat api error %d: %s", e.Code, e.Message)
}

func IsAPIError(err error, code int) bool {
	apiError := &APIError{}
	if errors.As(err, &apiError) {
		return apiError.Code == code
	}
	return false
}

func isTokenError(err error) bool {
	return IsAPIError(err, ErrCodeInvalidCredential) || IsAPIError(err, ErrCodeTokenExpired)
}
