package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang/glog"
	gut "github.com/panyam/goutils/utils"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Endpoint defaults
const (
	DefaultHost = "localhost"
	DefaultPort = 3000
	DefaultPath = "websocket"
)

// EndpointURL builds the WebSocket URL of a DDP endpoint. Empty or zero
// arguments fall back to DefaultHost, DefaultPort and DefaultPath.
//
// Example:
//
//	EndpointURL("example.com", 443, "/websocket", true) // "wss://example.com:443/websocket"
func EndpointURL(host string, port int, path string, secure bool) string {
	if host == "" {
		host = DefaultHost
	}
	if port == 0 {
		port = DefaultPort
	}
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		path = DefaultPath
	}
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/%s", scheme, host, port, path)
}

// SendJsonResponse writes a JSON response to the http.ResponseWriter.
// If err is nil, resp is marshaled to JSON and written with status 200 OK.
// If err is non-nil, the HTTP code comes from ErrorToHttpCode and the body
// is an error object.
func SendJsonResponse(writer http.ResponseWriter, resp any, err error) {
	output := resp
	httpCode := ErrorToHttpCode(err)
	if err != nil {
		if er, ok := status.FromError(err); ok {
			output = gut.StrMap{
				"error":   httpCode,
				"reason":  er.Code().String(),
				"message": er.Message(),
			}
		} else {
			output = gut.StrMap{
				"error":   httpCode,
				"message": err.Error(),
			}
		}
	}
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(httpCode)
	jsonResp, err := json.Marshal(output)
	if err != nil {
		glog.Warningf("Error happened in JSON marshal: %v", err)
	}
	writer.Write(jsonResp)
}

// ErrorToHttpCode converts a Go error to an HTTP status code. The test peer
// uses it to put numeric codes into DDP error objects, and RemoteError maps
// them back to grpc codes.
//
//   - nil → 200 OK
//   - codes.InvalidArgument → 400 Bad Request
//   - codes.Unauthenticated → 401 Unauthorized
//   - codes.PermissionDenied → 403 Forbidden
//   - codes.NotFound → 404 Not Found
//   - codes.AlreadyExists → 409 Conflict
//   - codes.ResourceExhausted → 429 Too Many Requests
//   - codes.Unimplemented → 501 Not Implemented
//   - codes.Unavailable → 503 Service Unavailable
//   - Other errors → 500 Internal Server Error
func ErrorToHttpCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	er, ok := status.FromError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch er.Code() {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// NormalizeWsUrl converts an HTTP(S) URL to its WebSocket equivalent.
// It performs the following transformations:
//   - Removes trailing slashes
//   - Converts "http:" to "ws:"
//   - Converts "https:" to "wss:"
//
// URLs that are already WebSocket URLs (ws: or wss:) are returned unchanged
// after removing any trailing slash.
//
// Example:
//
//	NormalizeWsUrl("https://example.com/websocket/") // "wss://example.com/websocket"
func NormalizeWsUrl(httpOrWsUrl string) string {
	httpOrWsUrl = strings.TrimSuffix(httpOrWsUrl, "/")
	if strings.HasPrefix(httpOrWsUrl, "http:") {
		httpOrWsUrl = "ws:" + httpOrWsUrl[len("http:"):]
	}
	if strings.HasPrefix(httpOrWsUrl, "https:") {
		httpOrWsUrl = "wss:" + httpOrWsUrl[len("https:"):]
	}
	return httpOrWsUrl
}
