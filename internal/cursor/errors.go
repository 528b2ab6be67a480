package cursor

import (
	"encoding/base64"
	"net/http"

	"github.com/tidwall/gjson"

	gateway "github.com/cursorgate/cursorgate/internal"
	"github.com/cursorgate/cursorgate/internal/cursor/wire"
)

// Upstream error enum values carried in ErrorDetails.error.
const (
	ErrUnspecified int32 = iota
	ErrBadAPIKey
	ErrBadUserAPIKey
	ErrInvalidAuthID
	ErrAuthTokenNotFound
	ErrAuthTokenExpired
	ErrUnauthorizedCode
	ErrNotLoggedIn
	ErrNotHighEnoughPermissions
	ErrAgentRequiresLogin
	ErrProUserOnly
	ErrTaskNoPermissions
	ErrUserNotFound
	ErrTaskNotFound
	ErrAgentEngineNotFound
	ErrGitgraphNotFound
	ErrFileNotFound
	ErrFreeUserRateLimitExceeded
	ErrProUserRateLimitExceeded
	ErrOpenAIRateLimitExceeded
	ErrOpenAIAccountLimitExceeded
	ErrGenericRateLimitExceeded
	ErrAPIKeyRateLimit
	ErrBadRequestCode
	ErrBadModelName
	ErrSlashEditFileTooLong
	ErrFileUnsupported
	ErrClaudeImageTooLarge
)

// errorNames maps enum values to the stable upstream code strings.
var errorNames = map[int32]string{
	ErrUnspecified:                "ERROR_UNSPECIFIED",
	ErrBadAPIKey:                  "ERROR_BAD_API_KEY",
	ErrBadUserAPIKey:              "ERROR_BAD_USER_API_KEY",
	ErrInvalidAuthID:              "ERROR_INVALID_AUTH_ID",
	ErrAuthTokenNotFound:          "ERROR_AUTH_TOKEN_NOT_FOUND",
	ErrAuthTokenExpired:           "ERROR_AUTH_TOKEN_EXPIRED",
	ErrUnauthorizedCode:           "ERROR_UNAUTHORIZED",
	ErrNotLoggedIn:                "ERROR_NOT_LOGGED_IN",
	ErrNotHighEnoughPermissions:   "ERROR_NOT_HIGH_ENOUGH_PERMISSIONS",
	ErrAgentRequiresLogin:         "ERROR_AGENT_REQUIRES_LOGIN",
	ErrProUserOnly:                "ERROR_PRO_USER_ONLY",
	ErrTaskNoPermissions:          "ERROR_TASK_NO_PERMISSIONS",
	ErrUserNotFound:               "ERROR_USER_NOT_FOUND",
	ErrTaskNotFound:               "ERROR_TASK_NOT_FOUND",
	ErrAgentEngineNotFound:        "ERROR_AGENT_ENGINE_NOT_FOUND",
	ErrGitgraphNotFound:           "ERROR_GITGRAPH_NOT_FOUND",
	ErrFileNotFound:               "ERROR_FILE_NOT_FOUND",
	ErrFreeUserRateLimitExceeded:  "ERROR_FREE_USER_RATE_LIMIT_EXCEEDED",
	ErrProUserRateLimitExceeded:   "ERROR_PRO_USER_RATE_LIMIT_EXCEEDED",
	ErrOpenAIRateLimitExceeded:    "ERROR_OPENAI_RATE_LIMIT_EXCEEDED",
	ErrOpenAIAccountLimitExceeded: "ERROR_OPENAI_ACCOUNT_LIMIT_EXCEEDED",
	ErrGenericRateLimitExceeded:   "ERROR_GENERIC_RATE_LIMIT_EXCEEDED",
	ErrAPIKeyRateLimit:            "ERROR_API_KEY_RATE_LIMIT",
	ErrBadRequestCode:             "ERROR_BAD_REQUEST",
	ErrBadModelName:               "ERROR_BAD_MODEL_NAME",
	ErrSlashEditFileTooLong:       "ERROR_SLASH_EDIT_FILE_TOO_LONG",
	ErrFileUnsupported:            "ERROR_FILE_UNSUPPORTED",
	ErrClaudeImageTooLarge:        "ERROR_CLAUDE_IMAGE_TOO_LARGE",
}

// statusFor maps the upstream error enum to the HTTP status surfaced to
// clients. Everything unrecognized is a 500.
func statusFor(code int32) int {
	switch code {
	case ErrBadAPIKey, ErrBadUserAPIKey, ErrInvalidAuthID,
		ErrAuthTokenNotFound, ErrAuthTokenExpired, ErrUnauthorizedCode:
		return http.StatusUnauthorized
	case ErrNotHighEnoughPermissions, ErrNotLoggedIn, ErrAgentRequiresLogin,
		ErrProUserOnly, ErrTaskNoPermissions:
		return http.StatusForbidden
	case ErrUserNotFound, ErrTaskNotFound, ErrAgentEngineNotFound,
		ErrGitgraphNotFound, ErrFileNotFound:
		return http.StatusNotFound
	case ErrFreeUserRateLimitExceeded, ErrProUserRateLimitExceeded,
		ErrOpenAIRateLimitExceeded, ErrOpenAIAccountLimitExceeded,
		ErrGenericRateLimitExceeded, ErrAPIKeyRateLimit:
		return http.StatusTooManyRequests
	case ErrBadRequestCode, ErrBadModelName, ErrSlashEditFileTooLong,
		ErrFileUnsupported, ErrClaudeImageTooLarge:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ParseChatError decodes the upstream ChatError JSON envelope into the
// canonical error. Returns nil when the body is not a ChatError.
func ParseChatError(body []byte) *gateway.APIError {
	root := gjson.ParseBytes(body)
	errObj := root.Get("error")
	if !errObj.Exists() {
		return nil
	}
	code := errObj.Get("code").String()
	msg := errObj.Get("message").String()
	if code == "" && msg == "" {
		return nil
	}

	out := &gateway.APIError{
		Status:  http.StatusInternalServerError,
		Code:    code,
		Message: msg,
	}

	// The first detail value, when present, is a base64'd ErrorDetails
	// protobuf carrying the authoritative enum.
	if v := errObj.Get("details.0.value"); v.Exists() {
		raw, err := base64.StdEncoding.DecodeString(v.String())
		if err != nil {
			raw, err = base64.RawStdEncoding.DecodeString(v.String())
		}
		if err == nil {
			var det wire.ErrorDetails
			if det.Unmarshal(raw) == nil {
				out.Status = statusFor(det.Error)
				if name, ok := errorNames[det.Error]; ok && out.Code == "" {
					out.Code = name
				}
				if det.Details != nil {
					if out.Message == "" {
						out.Message = det.Details.Title
					}
					out.Details = det.Details.Detail
				}
			}
		}
	}
	if out.Code == "" {
		out.Code = "ERROR_UNSPECIFIED"
	}
	return out
}
