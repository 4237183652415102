package apperr

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/noah-isme/hospital-opd/internal/resilience"
)

// FromTransport converts a raw client error into the taxonomy. Context
// cancellation is returned unchanged so callers can tell an abandoned call
// from a failed one.
func FromTransport(err error) error {
	if err == nil {
		return nil
	}
	if IsAppError(err) || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(err)
	}

	var statusErr *resilience.StatusError
	if errors.As(err, &statusErr) {
		e := ServerError(statusErr.Code)
		e.Err = err
		return e
	}
	if errors.Is(err, resilience.ErrOpenCircuit) {
		return NoInternet(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout(err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NoInternet(err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NoInternet(err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ENETUNREACH) {
		return NoInternet(err)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return Serialization(err)
	}

	e := Unknown(err.Error())
	e.Err = err
	return e
}
