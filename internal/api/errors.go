package api

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest marks errors caused by the request body.
var ErrInvalidRequest = errors.New("invalid_request")

// requestError names the request field that was rejected, if any.
type requestError struct {
	param string
	msg   string
}

func (e *requestError) Error() string {
	return e.msg
}

func (e *requestError) Unwrap() error {
	return ErrInvalidRequest
}

func invalidParam(param, format string, args ...any) error {
	return &requestError{param: param, msg: fmt.Sprintf(format, args...)}
}

// paramOf returns the rejected field of a request error, or "".
func paramOf(err error) string {
	var re *requestError
	if errors.As(err, &re) {
		return re.param
	}
	return ""
}
