package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPasteNotFound      = NewErr("PASTE_NOT_FOUND", "Paste not found", http.StatusNotFound)
	ErrPasteExpired       = NewErr("PASTE_EXPIRED", "Paste has expired", http.StatusNotFound)
	ErrViewLimitExceeded  = NewErr("VIEW_LIMIT_EXCEEDED", "Paste view limit exceeded", http.StatusNotFound)
	ErrContentRequired    = NewErr("CONTENT_REQUIRED", "Content is required and must be a non-empty string", http.StatusBadRequest)
	ErrInvalidTTL         = NewErr("INVALID_TTL", "ttl_seconds must be a positive integer", http.StatusBadRequest)
	ErrInvalidMaxViews    = NewErr("INVALID_MAX_VIEWS", "max_views must be a positive integer", http.StatusBadRequest)
	ErrPasteTooLarge      = NewErr("PASTE_TOO_LARGE", "paste too large", http.StatusBadRequest)
	ErrInvalidRequest     = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrIDCollision        = NewErr("ID_COLLISION", "identifier already exists", http.StatusInternalServerError)
	ErrIDGenerationFailed = NewErr("ID_GENERATION_FAILED", "id generation failed", http.StatusInternalServerError)
	ErrStoreUnavailable   = NewErr("STORE_UNAVAILABLE", "storage temporarily unavailable, try again", http.StatusServiceUnavailable)
	ErrStoreTimeout       = NewErr("STORE_TIMEOUT", "storage timed out, try again", http.StatusServiceUnavailable)
	ErrShuttingDown       = NewErr("SHUTTING_DOWN", "service shutting down", http.StatusServiceUnavailable)
	ErrRouteNotFound      = NewErr("ROUTE_NOT_FOUND", "Route not found", http.StatusNotFound)
	ErrInternalServer     = NewErr("INTERNAL_ERROR", "Internal server error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string `json:"code"`
	Msg  string `json:"message"`
}

func asErr(err error) (*Err, bool) {
	var e *Err
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func ToResp(err error) ErrResp {
	if e, ok := asErr(err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: ErrInternalServer.Code, Msg: ErrInternalServer.Msg}}
}

func Status(err error) int {
	if e, ok := asErr(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrContentRequired) ||
		errors.Is(err, ErrInvalidTTL) ||
		errors.Is(err, ErrInvalidMaxViews) ||
		errors.Is(err, ErrPasteTooLarge) ||
		errors.Is(err, ErrInvalidRequest)
}

// IsUnavailable covers the three semantic rejections of a read.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrPasteNotFound) ||
		errors.Is(err, ErrPasteExpired) ||
		errors.Is(err, ErrViewLimitExceeded)
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrStoreTimeout) ||
		errors.Is(err, ErrShuttingDown)
}
