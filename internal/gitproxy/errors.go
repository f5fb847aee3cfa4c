package gitproxy

import (
	"context"
	"errors"
	"net/http"

	"github.com/taichi-dev/git-cdn/internal/lfscache"
	"github.com/taichi-dev/git-cdn/internal/pathlock"
	"github.com/taichi-dev/git-cdn/internal/uploadpack"
)

// UpstreamError wraps a non-2xx response or transport failure reaching the
// upstream Git server.
type UpstreamError struct {
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return http.StatusText(e.Status)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// SubprocessError wraps a non-zero exit or I/O failure from a git subprocess.
type SubprocessError struct {
	Err error
}

func (e *SubprocessError) Error() string { return e.Err.Error() }
func (e *SubprocessError) Unwrap() error { return e.Err }

// statusFor maps a request failure to an HTTP status code per the error
// handling table: ProtocolError -> 400 (never cached), UpstreamError ->
// forwarded status or 502, SubprocessError -> 500, ChecksumError -> 502,
// LockTimeout -> 503, context cancellation -> logged only, no status write.
func statusFor(err error) int {
	var protoErr *uploadpack.ProtocolError
	if errors.As(err, &protoErr) {
		return http.StatusBadRequest
	}
	var checksumErr *lfscache.ChecksumError
	if errors.As(err, &checksumErr) {
		return http.StatusBadGateway
	}
	if errors.Is(err, pathlock.ErrTimeout) {
		return http.StatusServiceUnavailable
	}
	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		if upstreamErr.Status != 0 {
			return upstreamErr.Status
		}
		return http.StatusBadGateway
	}
	var subErr *SubprocessError
	if errors.As(err, &subErr) {
		return http.StatusInternalServerError
	}
	if errors.Is(err, context.Canceled) {
		return 0
	}
	return http.StatusBadGateway
}

// isClientCanceled reports whether err is (or wraps) a client disconnect,
// which is logged at debug level and never counted as a cache/upstream
// failure.
func isClientCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
