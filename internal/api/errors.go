package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kenneth/sharecrypt/internal/crypto"
	"github.com/kenneth/sharecrypt/internal/keystore"
	"github.com/kenneth/sharecrypt/internal/storage"
)

// APIError is the JSON error body of every failed request.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Hint       string `json:"hint,omitempty"`
	Resource   string `json:"resource,omitempty"`
	HTTPStatus int    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: %s - %s", e.Code, e.Message)
}

// WithResource returns a copy of e naming resource.
func (e *APIError) WithResource(resource string) *APIError {
	c := *e
	c.Resource = resource
	return &c
}

// WriteJSON writes the error response.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(e)
}

// TranslateError maps storage, key store and crypto errors to API errors.
func TranslateError(err error, resource string) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.WithResource(resource)
	}

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return ErrEntityTooLarge.WithResource(resource)
	case errors.Is(err, storage.ErrNotExist):
		return ErrNoSuchFile.WithResource(resource)
	case errors.Is(err, keystore.ErrLocked):
		return ErrKeyLocked.WithResource(resource)
	case errors.Is(err, keystore.ErrAlreadyExists):
		return ErrUserExists.WithResource(resource)
	case errors.Is(err, keystore.ErrNotFound):
		return ErrNoSuchUser.WithResource(resource)
	case errors.Is(err, crypto.ErrInvalidPrivateKey):
		return ErrInvalidPassword.WithResource(resource)
	case errors.Is(err, crypto.ErrPublicKeyMissing):
		return &APIError{
			Code:       "PublicKeyMissing",
			Message:    err.Error(),
			Resource:   resource,
			HTTPStatus: http.StatusUnprocessableEntity,
		}
	case errors.Is(err, crypto.ErrBadSignature), errors.Is(err, crypto.ErrMissingSignature):
		return &APIError{
			Code:       "IntegrityCheckFailed",
			Message:    "The file content does not match its signatures.",
			Hint:       crypto.HintCorrupt,
			Resource:   resource,
			HTTPStatus: http.StatusUnprocessableEntity,
		}
	case errors.Is(err, crypto.ErrDecryptionFailed):
		hint := crypto.UserHint(err)
		status := http.StatusUnprocessableEntity
		if hint == crypto.HintReshare {
			status = http.StatusForbidden
		}
		return &APIError{
			Code:       "DecryptionFailed",
			Message:    "The file could not be decrypted.",
			Hint:       hint,
			Resource:   resource,
			HTTPStatus: status,
		}
	case errors.Is(err, crypto.ErrUnsupportedCipher):
		return &APIError{
			Code:       "UnsupportedCipher",
			Message:    err.Error(),
			Resource:   resource,
			HTTPStatus: http.StatusUnprocessableEntity,
		}
	}

	return &APIError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		Resource:   resource,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Predefined API errors
var (
	ErrInvalidRequest = &APIError{
		Code:       "InvalidRequest",
		Message:    "Invalid Request",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidPath = &APIError{
		Code:       "InvalidPath",
		Message:    "The specified path is not valid.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrNoSuchFile = &APIError{
		Code:       "NoSuchFile",
		Message:    "The specified file does not exist.",
		HTTPStatus: http.StatusNotFound,
	}

	ErrNoSuchUser = &APIError{
		Code:       "NoSuchUser",
		Message:    "The specified user has no key pair.",
		HTTPStatus: http.StatusNotFound,
	}

	ErrUserExists = &APIError{
		Code:       "UserExists",
		Message:    "The specified user already has a key pair.",
		HTTPStatus: http.StatusConflict,
	}

	ErrKeyLocked = &APIError{
		Code:       "KeyLocked",
		Message:    "The private key is locked. Unlock it with the user's password first.",
		HTTPStatus: http.StatusLocked,
	}

	ErrInvalidPassword = &APIError{
		Code:       "InvalidPassword",
		Message:    "The password does not unlock the private key.",
		HTTPStatus: http.StatusForbidden,
	}

	ErrNotEncrypted = &APIError{
		Code:       "NotEncrypted",
		Message:    "The specified file is not encrypted.",
		HTTPStatus: http.StatusConflict,
	}

	ErrEntityTooLarge = &APIError{
		Code:       "EntityTooLarge",
		Message:    "Your proposed upload exceeds the maximum allowed size.",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}
)
