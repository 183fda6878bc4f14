package message

import "fmt"

// RemoteError is a failure reported by the server in a Response.
type RemoteError struct {
	Code    int32
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Result is the client-side outcome of one call.
//
// Err is set when no usable Response was obtained (transport failure, abandoned call,
// undecodable body). Otherwise ID, Code and Message mirror the Response and Body points
// at the value the response body was decoded into.
type Result struct {
	ID      int64
	Code    int32
	Message string
	Body    any
	Err     error
}

// Error returns Err, or a *RemoteError when the server reported a failure.
func (r *Result) Error() error {
	if r.Err != nil {
		return r.Err
	}
	if r.Code != CodeSuccess {
		return &RemoteError{Code: r.Code, Message: r.Message}
	}
	return nil
}
