package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/render"
)

// License lifecycle errors. Callers match them with errors.Is.
var (
	ErrLicenseNotFound       = errors.New("license not found")
	ErrLicenseExpired        = errors.New("license expired")
	ErrOwnershipConflict     = errors.New("license belongs to another identity")
	ErrDuplicateKey          = errors.New("duplicate license key")
	ErrStorageUnavailable    = errors.New("storage unavailable")
	ErrMalformedRequest      = errors.New("malformed request")
	ErrDownstreamIntegration = errors.New("downstream integration failure")
	ErrNoLicense             = errors.New("no license for identity")
	ErrInvalidSignature      = errors.New("invalid grant signature")
)

// Messages sent to the consumer application. The wording is part of the
// wire protocol and existing clients match on it.
const (
	MsgLicenseNotFound    = "License not found"
	MsgLicenseExpired     = "License expired"
	MsgOwnershipConflict  = "License belongs to another user"
	MsgInvalidRequest     = "Invalid request"
	MsgMissingFields      = "Key and Discord ID required"
	MsgMissingIdentity    = "Discord ID missing"
	MsgStorageUnavailable = "Storage unavailable"
	MsgInternal           = "Internal error"
)

// ClientMessage maps an error to the message carried in {success:false, error}.
func ClientMessage(err error) string {
	switch {
	case errors.Is(err, ErrLicenseNotFound), errors.Is(err, ErrNoLicense):
		return MsgLicenseNotFound
	case errors.Is(err, ErrLicenseExpired):
		return MsgLicenseExpired
	case errors.Is(err, ErrOwnershipConflict):
		return MsgOwnershipConflict
	case errors.Is(err, ErrMalformedRequest):
		return MsgInvalidRequest
	case errors.Is(err, ErrStorageUnavailable):
		return MsgStorageUnavailable
	default:
		return MsgInternal
	}
}

// StatusCode maps an error to the HTTP status used for it.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrLicenseNotFound), errors.Is(err, ErrNoLicense):
		return http.StatusNotFound
	case errors.Is(err, ErrLicenseExpired):
		return http.StatusForbidden
	case errors.Is(err, ErrOwnershipConflict), errors.Is(err, ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, ErrMalformedRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromClientMessage is the inverse of ClientMessage, used by clients of the
// validation API to recover a sentinel from a wire response.
func FromClientMessage(msg string) error {
	switch msg {
	case MsgLicenseNotFound:
		return ErrLicenseNotFound
	case MsgLicenseExpired:
		return ErrLicenseExpired
	case MsgOwnershipConflict:
		return ErrOwnershipConflict
	case MsgInvalidRequest, MsgMissingFields, MsgMissingIdentity:
		return ErrMalformedRequest
	case MsgStorageUnavailable:
		return ErrStorageUnavailable
	default:
		return errors.New(msg)
	}
}

// ErrorResponse is the {success:false, error} envelope of the validation API.
type ErrorResponse struct {
	HTTPStatus int    `json:"-"`
	Success    bool   `json:"success"`
	Error      string `json:"error"`
}

// Render implements render.Renderer
func (e *ErrorResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatus)
	return nil
}

// NewErrorResponse builds the envelope for err.
func NewErrorResponse(err error) *ErrorResponse {
	return &ErrorResponse{
		HTTPStatus: StatusCode(err),
		Success:    false,
		Error:      ClientMessage(err),
	}
}

// NewErrorResponseMessage builds an envelope with an explicit message.
func NewErrorResponseMessage(status int, msg string) *ErrorResponse {
	return &ErrorResponse{HTTPStatus: status, Success: false, Error: msg}
}

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the top-level object
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, 5+len(pd.Extensions))
	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status

	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	for k, v := range pd.Extensions {
		data[k] = v
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	if pd.Extensions == nil {
		pd.Extensions = make(map[string]interface{})
	}
	pd.Extensions[key] = value
	return pd
}
