// Package message defines the envelopes exchanged between client and server.
//
// A Request names a remote method and carries its arguments; a Response carries the
// outcome. Both are serialized by the codec layer into UTF-8 text and wrapped in one
// length-prefixed frame by the protocol layer.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// CodeSuccess marks a successful Response.
	CodeSuccess int32 = 0
	// CodeFailure is used for every server-side failure (unknown method, handler error).
	CodeFailure int32 = -1

	MethodNotFoundMessage = "Method Not Found"

	methodSeparator = "#"
)

// Request is the call envelope.
//
//   - ID is 0 until the client transport assigns one.
//   - Method is "<ServiceInterface>#<methodName>", e.g. "TestRpcService#add".
//   - Parameters is either a single JSON value (one non-array argument) or a JSON array
//     of positional arguments.
type Request struct {
	ID         int64           `json:"id"`
	Method     string          `json:"method"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Response is the reply envelope. Code 0 with an empty Message is success; any other
// code is a failure and Body is absent.
type Response struct {
	ID      int64           `json:"id"`
	Code    int32           `json:"code"`
	Message string          `json:"message"`
	Body    json.RawMessage `json:"body,omitempty"`
}

func NewSuccessResponse(body json.RawMessage) *Response {
	return &Response{Code: CodeSuccess, Body: body}
}

func NewFailedResponse(code int32, msg string) *Response {
	return &Response{Code: code, Message: msg}
}

// Failed reports whether the response carries a failure code.
func (r *Response) Failed() bool {
	return r.Code != CodeSuccess
}

// MethodID builds the routing identifier for a method of a service interface.
func MethodID(service, method string) string {
	return service + methodSeparator + method
}

// SplitMethodID is the inverse of MethodID.
func SplitMethodID(id string) (service, method string, err error) {
	i := strings.LastIndex(id, methodSeparator)
	if i <= 0 || i == len(id)-1 {
		return "", "", fmt.Errorf("invalid method identifier: %q", id)
	}
	return id[:i], id[i+1:], nil
}
