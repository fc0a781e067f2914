package backend

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrInvalidURL              = errors.New("invalid Notion API URL")
	ErrTimeout                 = errors.New("timed out")
	ErrImageTooLarge           = errors.New("image exceeds Notion 20MB file upload limit")
	ErrInvalidDatabaseIDFormat = errors.New("database ID format is invalid")
)

// InvalidResponseError は通信失敗や想定外のレスポンス形式を表す
type InvalidResponseError struct {
	Message string
}

func (e *InvalidResponseError) Error() string {
	return "invalid response: " + e.Message
}

func invalidResponse(format string, args ...interface{}) error {
	return &InvalidResponseError{Message: fmt.Sprintf(format, args...)}
}

// HTTPError はNotion側が2xx以外を返したことを表す
type HTTPError struct {
	StatusCode int
	Code       string // Notionのエラーコード（例: unauthorized）
	Message    string
}

func (e *HTTPError) Error() string {
	return e.Message
}

// newHTTPError はレスポンスJSONの message を優先してエラーを組み立てる
func newHTTPError(statusCode int, body map[string]interface{}) *HTTPError {
	httpErr := &HTTPError{
		StatusCode: statusCode,
		Message:    fmt.Sprintf("HTTP %d", statusCode),
	}
	if body == nil {
		return httpErr
	}
	if code, ok := body["code"].(string); ok {
		httpErr.Code = code
	}
	if message, ok := body["message"].(string); ok && strings.TrimSpace(message) != "" {
		httpErr.Message = message
	}
	return httpErr
}

// isUnauthorized はトークンが拒否されたエラーかどうかを返す
func isUnauthorized(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return httpErr.StatusCode == http.StatusUnauthorized || httpErr.Code == "unauthorized"
}
