/*
 *     Copyright 2024 The smpd Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package smperrors

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Error codes shared by every HTTP surface and entity state machine.
const (
	CodeMapNotFound             = "MAP_NOT_FOUND"
	CodeResourceNotFound        = "RESOURCE_NOT_FOUND"
	CodeInvalidMapFile          = "INVALID_MAP_FILE"
	CodeMapShareNotFound        = "MAP_SHARE_NOT_FOUND"
	CodeDownloadNotFound        = "DOWNLOAD_NOT_FOUND"
	CodeInvalidRequest          = "INVALID_REQUEST"
	CodeInvalidSenderDeviceID   = "INVALID_SENDER_DEVICE_ID"
	CodeForbidden               = "FORBIDDEN"
	CodeCancelNotCancelable     = "CANCEL_SHARE_NOT_CANCELABLE"
	CodeDeclineNotPending       = "DECLINE_SHARE_NOT_PENDING"
	CodeDeclineCannotConnect    = "DECLINE_CANNOT_CONNECT"
	CodeDownloadShareNotPending = "DOWNLOAD_SHARE_NOT_PENDING"
	CodeDownloadShareDeclined   = "DOWNLOAD_SHARE_DECLINED"
	CodeDownloadShareCanceled   = "DOWNLOAD_SHARE_CANCELED"
	CodeDownloadError           = "DOWNLOAD_ERROR"
	CodeAbortNotDownloading     = "ABORT_NOT_DOWNLOADING"
	CodeInternal                = "INTERNAL"
)

// statusTable maps error codes to HTTP statuses.
var statusTable = map[string]int{
	CodeMapNotFound:             http.StatusNotFound,
	CodeResourceNotFound:        http.StatusNotFound,
	CodeInvalidMapFile:          http.StatusBadRequest,
	CodeMapShareNotFound:        http.StatusNotFound,
	CodeDownloadNotFound:        http.StatusNotFound,
	CodeInvalidRequest:          http.StatusBadRequest,
	CodeInvalidSenderDeviceID:   http.StatusBadRequest,
	CodeForbidden:               http.StatusForbidden,
	CodeCancelNotCancelable:     http.StatusConflict,
	CodeDeclineNotPending:       http.StatusConflict,
	CodeDeclineCannotConnect:    http.StatusBadGateway,
	CodeDownloadShareNotPending: http.StatusConflict,
	CodeDownloadShareDeclined:   http.StatusConflict,
	CodeDownloadShareCanceled:   http.StatusConflict,
	CodeDownloadError:           http.StatusInternalServerError,
	CodeAbortNotDownloading:     http.StatusConflict,
	CodeInternal:                http.StatusInternalServerError,
}

// Error is the structured error carried through handlers and entity state.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Extra   map[string]any `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Status returns the HTTP status for the error code.
func (e *Error) Status() int {
	if s, ok := statusTable[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Body returns the JSON envelope {code, message, ...extra}.
func (e *Error) Body() map[string]any {
	body := map[string]any{
		"code":    e.Code,
		"message": e.Message,
	}
	for k, v := range e.Extra {
		body[k] = v
	}
	return body
}

// New returns an Error with the given code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf returns an Error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithExtra attaches an extra envelope field, returning the same error.
func (e *Error) WithExtra(key string, value any) *Error {
	if e.Extra == nil {
		e.Extra = map[string]any{}
	}
	e.Extra[key] = value
	return e
}

// As unwraps err to an *Error when possible.
func As(err error) (*Error, bool) {
	var smpErr *Error
	if errors.As(err, &smpErr) {
		return smpErr, true
	}
	return nil, false
}

// Convert coerces any error into an *Error, defaulting unknown errors
// to the given code.
func Convert(err error, defaultCode string) *Error {
	if smpErr, ok := As(err); ok {
		return smpErr
	}
	return New(defaultCode, err.Error())
}

// FromBody parses a peer JSON error envelope. Unparseable bodies map to the
// default code with the raw body as message.
func FromBody(body []byte, defaultCode string) *Error {
	var envelope struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Code == "" {
		return New(defaultCode, string(body))
	}
	if envelope.Message == "" {
		envelope.Message = envelope.Code
	}
	return New(envelope.Code, envelope.Message)
}
