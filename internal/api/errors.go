package api

import (
	"github.com/danielgtaylor/huma/v2"
)

// APIError is the error body of every failed request: {"code": int, "message": string}.
type APIError struct {
	status  int
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Message
}

func (e *APIError) GetStatus() int {
	return e.status
}

func init() {
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		if len(errs) > 0 && msg == "" {
			msg = errs[0].Error()
		}
		return &APIError{
			status:  status,
			Code:    status,
			Message: msg,
		}
	}
}
