// Copyright 2015 Matthew Holt and The RPCGate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rpc models JSON-RPC 2.0 messages just deeply enough for a
// proxy: requests are parsed into typed values once at the edge, checked
// for structural validity and blocked method namespaces, and then the
// original body is forwarded byte-for-byte. Params and ids are kept as
// raw JSON so nothing is re-encoded on the hot path.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// JSON-RPC error codes used by the proxy.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeRateLimited    = -32005
)

// Version is the only protocol version accepted.
const Version = "2.0"

// blockedPrefixes are method namespaces that must never reach an
// upstream node through the public proxy.
var blockedPrefixes = []string{
	"admin_", "personal_", "debug_", "miner_", "engine_", "clique_", "les_",
}

// Request is a single JSON-RPC request. ID distinguishes "absent" (nil)
// from "explicitly null" ([]byte("null")), which the 2.0 spec treats
// differently: an absent id makes the message a notification, which this
// proxy rejects.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// HasID reports whether the id member was present in the message,
// including an explicit null.
func (r *Request) HasID() bool { return r.ID != nil }

// Call is a parsed request body: either a single request or a batch.
// Raw preserves the exact bytes received so the dispatcher can forward
// them unmodified.
type Call struct {
	Single *Request
	Batch  []Request
	Raw    []byte
}

// IsBatch reports whether the call arrived as a JSON array.
func (c *Call) IsBatch() bool { return c.Single == nil }

// Len is the number of requests in the call; batches credit their
// length to the aggregator in one shot.
func (c *Call) Len() int {
	if c.Single != nil {
		return 1
	}
	return len(c.Batch)
}

// Methods returns the method names in request order.
func (c *Call) Methods() []string {
	if c.Single != nil {
		return []string{c.Single.Method}
	}
	methods := make([]string, len(c.Batch))
	for i := range c.Batch {
		methods[i] = c.Batch[i].Method
	}
	return methods
}

// ResponseID is the id echoed in an error response for the whole call:
// the single request's id, or null for a batch.
func (c *Call) ResponseID() json.RawMessage {
	if c.Single != nil && c.Single.ID != nil {
		return c.Single.ID
	}
	return NullID
}

// NullID is the JSON null id echoed when no request id is available.
var NullID = json.RawMessage("null")

// ErrorObject is the error member of a JSON-RPC error response.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ErrorResponse is a complete JSON-RPC error body. It is always
// delivered with HTTP 200; admission failures are protocol-level
// errors, not transport errors.
type ErrorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *ErrorObject    `json:"error"`
}

// NewError builds an error response echoing id (null when id is nil).
func NewError(id json.RawMessage, code int, message string) *ErrorResponse {
	if id == nil {
		id = NullID
	}
	return &ErrorResponse{
		JSONRPC: Version,
		ID:      id,
		Error:   &ErrorObject{Code: code, Message: message},
	}
}

// Reason is a short admission-log label for the error.
func (e *ErrorResponse) Reason() string {
	return fmt.Sprintf("%d %s", e.Error.Code, e.Error.Message)
}

// Parse reads a request body into a Call. A nil *ErrorResponse means
// the body was structurally sound JSON (object or non-empty array);
// per-request validation is Validate's job.
func Parse(body []byte) (*Call, *ErrorResponse) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, NewError(nil, CodeParseError, "Parse error")
	}

	switch trimmed[0] {
	case '{':
		var req Request
		if err := json.Unmarshal(trimmed, &req); err != nil {
			return nil, NewError(nil, CodeParseError, "Parse error")
		}
		return &Call{Single: &req, Raw: body}, nil
	case '[':
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, NewError(nil, CodeParseError, "Parse error")
		}
		if len(batch) == 0 {
			return nil, NewError(nil, CodeInvalidRequest, "Invalid request: empty batch")
		}
		reqs := make([]Request, len(batch))
		for i, raw := range batch {
			elem := bytes.TrimSpace(raw)
			if len(elem) == 0 || elem[0] != '{' {
				return nil, NewError(nil, CodeInvalidRequest,
					fmt.Sprintf("Invalid request at batch index %d", i))
			}
			if err := json.Unmarshal(elem, &reqs[i]); err != nil {
				return nil, NewError(nil, CodeInvalidRequest,
					fmt.Sprintf("Invalid request at batch index %d", i))
			}
		}
		return &Call{Batch: reqs, Raw: body}, nil
	default:
		// null, bare scalar, or garbage
		return nil, NewError(nil, CodeParseError, "Parse error")
	}
}

// Validate checks every request in the call for protocol validity and
// blocked namespaces. It fails open: an internal panic yields a nil
// result so the request passes through rather than turning into a 5xx.
func Validate(c *Call) (resp *ErrorResponse) {
	defer func() {
		if rec := recover(); rec != nil {
			resp = nil
		}
	}()
	if c == nil {
		return nil
	}
	if c.Single != nil {
		return validateOne(c.Single, -1)
	}
	for i := range c.Batch {
		if errResp := validateOne(&c.Batch[i], i); errResp != nil {
			return errResp
		}
	}
	return nil
}

func validateOne(req *Request, batchIndex int) *ErrorResponse {
	at := ""
	if batchIndex >= 0 {
		at = fmt.Sprintf(" at batch index %d", batchIndex)
	}
	if req.JSONRPC != Version {
		return NewError(req.ID, CodeInvalidRequest,
			fmt.Sprintf("Invalid request%s: jsonrpc must be %q", at, Version))
	}
	if req.Method == "" {
		return NewError(req.ID, CodeInvalidRequest,
			fmt.Sprintf("Invalid request%s: missing method", at))
	}
	if !req.HasID() {
		return NewError(nil, CodeInvalidRequest,
			fmt.Sprintf("Invalid request%s: missing id", at))
	}
	for _, prefix := range blockedPrefixes {
		if strings.HasPrefix(req.Method, prefix) {
			namespace := strings.TrimSuffix(prefix, "_")
			return NewError(req.ID, CodeMethodNotFound,
				fmt.Sprintf("The %s namespace is not available", namespace))
		}
	}
	return nil
}
