// Package json writes the login endpoints' JSON bodies. Every response is
// marked no-store since bodies can describe a session.
package json

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/dgellow/fedlogin/internal/log"
)

// ErrorCode is the machine-readable "error" field of an error body
type ErrorCode string

const (
	CodeLoginFailed        ErrorCode = "login_failed"
	CodeUnauthorized       ErrorCode = "unauthorized"
	CodeBadRequest         ErrorCode = "bad_request"
	CodeForbidden          ErrorCode = "forbidden"
	CodeInternal           ErrorCode = "internal_server_error"
	CodeBadGateway         ErrorCode = "bad_gateway"
	CodeServiceUnavailable ErrorCode = "service_unavailable"
)

// loginFailedMessage is shared by every validation failure so a caller cannot
// tell a replayed state from a bad signature
const loginFailedMessage = "Login failed, please retry"

var statusCodes = map[ErrorCode]int{
	CodeLoginFailed:        http.StatusBadRequest,
	CodeUnauthorized:       http.StatusUnauthorized,
	CodeBadRequest:         http.StatusBadRequest,
	CodeForbidden:          http.StatusForbidden,
	CodeInternal:           http.StatusInternalServerError,
	CodeBadGateway:         http.StatusBadGateway,
	CodeServiceUnavailable: http.StatusServiceUnavailable,
}

// Status returns the HTTP status sent with the code
func (c ErrorCode) Status() int {
	if status, ok := statusCodes[c]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteResponse encodes data before touching the response, so an encoding
// failure still leaves room for a 500
func WriteResponse(w http.ResponseWriter, statusCode int, data any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		log.LogErrorWithFields("http", "Failed to encode JSON response", map[string]any{
			"status": statusCode,
			"error":  err.Error(),
		})
		http.Error(w, string(CodeInternal), http.StatusInternalServerError)
		return err
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	_, err := w.Write(buf.Bytes())
	return err
}

// Write replies 200 with data
func Write(w http.ResponseWriter, data any) error {
	return WriteResponse(w, http.StatusOK, data)
}

// WriteError replies statusCode with an error body
func WriteError(w http.ResponseWriter, statusCode int, code string, message string) {
	_ = WriteResponse(w, statusCode, ErrorResponse{Error: code, Message: message})
}

func writeCode(w http.ResponseWriter, code ErrorCode, message string) {
	WriteError(w, code.Status(), string(code), message)
}

// WriteLoginFailed is the single reply for every validation failure
func WriteLoginFailed(w http.ResponseWriter) {
	writeCode(w, CodeLoginFailed, loginFailedMessage)
}

func WriteUnauthorized(w http.ResponseWriter, message string) {
	writeCode(w, CodeUnauthorized, message)
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	writeCode(w, CodeBadRequest, message)
}

func WriteForbidden(w http.ResponseWriter, message string) {
	writeCode(w, CodeForbidden, message)
}

func WriteInternalServerError(w http.ResponseWriter, message string) {
	writeCode(w, CodeInternal, message)
}

func WriteBadGateway(w http.ResponseWriter, message string) {
	writeCode(w, CodeBadGateway, message)
}

func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	writeCode(w, CodeServiceUnavailable, message)
}
