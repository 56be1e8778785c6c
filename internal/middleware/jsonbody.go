package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/benvon/voice-gateway/internal/config"
	"github.com/benvon/voice-gateway/internal/handlers"
	logpkg "github.com/benvon/voice-gateway/internal/logger"
	"github.com/benvon/voice-gateway/internal/request"
	"go.uber.org/zap"
)

var (
	errBodyTooLarge       = errors.New("request entity too large")
	errUnsupportedCharset = errors.New("unsupported charset")
	errStrictJSON         = errors.New("top-level JSON value must be an object or array")
)

// JSONBody parses application/json request bodies into the request context.
//
// Bodies larger than maxBytes get 413, non-UTF-8 charsets get 415, and anything
// that is not a JSON object or array gets 400. The raw bytes are put back on
// r.Body so delegated handler groups can still read or forward them.
func JSONBody(maxBytes int64, logger *zap.Logger) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = config.DefaultJSONBodyLimit
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			charset, ok := jsonMediaType(r.Header.Get("Content-Type"))
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			raw, body, err := parseJSONBody(r, charset, maxBytes)
			if err != nil {
				status, message := jsonErrorStatus(err, maxBytes)
				logger.Info("json_body_rejected",
					zap.String("method", r.Method),
					zap.String("path", logpkg.SanitizePath(r.URL.Path)),
					zap.Int("status_code", status),
					zap.String("reason", logpkg.SanitizeString(err.Error(), 200)),
				)
				handlers.RespondError(w, r, status, message)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(raw))
			r.ContentLength = int64(len(raw))
			r.Header.Set("Content-Length", strconv.Itoa(len(raw)))
			r.TransferEncoding = nil
			next.ServeHTTP(w, r.WithContext(request.WithBody(r.Context(), body)))
		})
	}
}

// jsonMediaType reports whether contentType is application/json and returns its charset parameter
func jsonMediaType(contentType string) (string, bool) {
	if contentType == "" {
		return "", false
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		return "", false
	}
	return strings.ToLower(params["charset"]), true
}

func parseJSONBody(r *http.Request, charset string, maxBytes int64) ([]byte, any, error) {
	if charset != "" && charset != "utf-8" && charset != "utf8" {
		return nil, nil, errUnsupportedCharset
	}
	if r.ContentLength > maxBytes {
		return nil, nil, errBodyTooLarge
	}

	var raw []byte
	if r.Body != nil && r.Body != http.NoBody {
		var err error
		raw, err = io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
		_ = r.Body.Close()
		if err != nil {
			return nil, nil, err
		}
		if int64(len(raw)) > maxBytes {
			return nil, nil, errBodyTooLarge
		}
	}

	trimmed := bytes.TrimLeft(raw, " \t\n\r")
	if len(trimmed) == 0 {
		return raw, map[string]any{}, nil
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return nil, nil, errStrictJSON
	}

	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, nil, err
	}
	return raw, body, nil
}

func jsonErrorStatus(err error, maxBytes int64) (int, string) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge, "Request body exceeds " + strconv.FormatInt(maxBytes, 10) + " bytes"
	case errors.Is(err, errUnsupportedCharset):
		return http.StatusUnsupportedMediaType, "Unsupported charset; JSON bodies must be UTF-8"
	default:
		return http.StatusBadRequest, "Malformed JSON request body"
	}
}
