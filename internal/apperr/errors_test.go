package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

func TestErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"message only", New(ENotFound, "sandbox not found"), "sandbox not found"},
		{"message and cause", Wrap(EInternal, "insert failed", errors.New("conn reset")), "insert failed: conn reset"},
		{"cause only", &Error{Code: EInternal, Err: errors.New("boom")}, "boom"},
		{"code only", &Error{Code: EUnavailable}, "<unavailable>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := Wrap(EInternal, "wrapped", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is() did not see through the *Error wrapper")
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil error", nil, ""},
		{"taxonomy error", New(EForbidden, "access denied"), EForbidden},
		{"wrapped taxonomy error", fmt.Errorf("context: %w", New(ENotFound, "gone")), ENotFound},
		{"plain error", errors.New("boom"), EInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.want {
				t.Errorf("ErrorCode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	t.Run("taxonomy message passes through", func(t *testing.T) {
		if got := ErrorMessage(New(ENotFound, "sandbox not found")); got != "sandbox not found" {
			t.Errorf("ErrorMessage() = %q, want %q", got, "sandbox not found")
		}
	})

	t.Run("plain error collapses to generic message", func(t *testing.T) {
		if got := ErrorMessage(errors.New("pq: column does not exist")); got != "an internal error occurred" {
			t.Errorf("ErrorMessage() leaked internal detail: %q", got)
		}
	})

	t.Run("nil yields empty string", func(t *testing.T) {
		if got := ErrorMessage(nil); got != "" {
			t.Errorf("ErrorMessage(nil) = %q, want empty", got)
		}
	})
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{EInvalidArgument, http.StatusBadRequest},
		{EUnauthenticated, http.StatusUnauthorized},
		{EForbidden, http.StatusForbidden},
		{ENotFound, http.StatusNotFound},
		{EAlreadyExists, http.StatusConflict},
		{EUnavailable, http.StatusServiceUnavailable},
		{EInternal, http.StatusInternalServerError},
		{"something-unknown", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := HTTPStatus(tt.code); got != tt.want {
				t.Errorf("HTTPStatus(%q) = %d, want %d", tt.code, got, tt.want)
			}
		})
	}
}

func TestRespond(t *testing.T) {
	t.Run("writes uniform body shape", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)

		status := Respond(c, New(ENotFound, "sandbox not found"))
		if status != http.StatusNotFound {
			t.Errorf("Respond() returned status %d, want %d", status, http.StatusNotFound)
		}
		if w.Code != http.StatusNotFound {
			t.Errorf("response status = %d, want %d", w.Code, http.StatusNotFound)
		}

		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("response body is not JSON: %v", err)
		}
		if body["error"] != ENotFound {
			t.Errorf("body error = %q, want %q", body["error"], ENotFound)
		}
		if body["message"] != "sandbox not found" {
			t.Errorf("body message = %q, want %q", body["message"], "sandbox not found")
		}
	})

	t.Run("plain error responds 500 without leaking the cause", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)

		Respond(c, errors.New("pq: unique violation"))
		if w.Code != http.StatusInternalServerError {
			t.Errorf("response status = %d, want %d", w.Code, http.StatusInternalServerError)
		}

		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("response body is not JSON: %v", err)
		}
		if body["message"] != "an internal error occurred" {
			t.Errorf("body message = %q, leaked internal detail", body["message"])
		}
	})
}

func TestAbort(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	Abort(c, New(EUnauthenticated, "invalid or expired API key"))
	if !c.IsAborted() {
		t.Error("Abort() did not abort the context")
	}
	if w.Code != http.StatusUnauthorized {
		t.Errorf("response status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}
