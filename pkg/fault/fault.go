// Package fault defines the error taxonomy shared by the store, the membership
// layer, the sync engine and the API gateway.
//
// Network and peer-state conditions are expected and transient. Only
// ErrExhausted reflects a local resource problem.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrNotFound is returned for absent or tombstoned keys.
	ErrNotFound = errors.New("not found")

	// ErrTimeout is returned when a probe or sync exceeds its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrInvalid marks malformed requests or arguments.
	ErrInvalid = errors.New("invalid argument")

	// ErrExhausted is returned when the store is out of capacity.
	ErrExhausted = errors.New("resource exhausted")

	// ErrUnavailable is returned by a node that is not serving (stopped or left).
	ErrUnavailable = errors.New("unavailable")
)

// NetworkError reports a peer that could not be reached.
type NetworkError struct {
	Peer string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("peer %s unreachable: %v", e.Peer, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StatusError is a non-2xx answer from a peer or node.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// Is lets a 404/504 from a remote side match the local sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	case ErrTimeout:
		return e.Code == http.StatusGatewayTimeout
	case ErrInvalid:
		return e.Code == http.StatusBadRequest
	}
	return false
}

// Classify turns an error talking to peer into a taxonomy error. Deadline
// expiries become ErrTimeout, everything else (including non-2xx answers) a
// NetworkError.
func Classify(peer string, err error) error {
	if err == nil {
		return nil
	}
	if IsTimeout(err) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, peer, err)
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return err
	}
	return &NetworkError{Peer: peer, Err: err}
}

// IsTimeout reports whether err is a deadline expiry of any kind.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// HTTPStatus maps an error onto the status code the gateway answers with.
func HTTPStatus(err error) int {
	var ne *NetworkError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ne):
		return http.StatusBadGateway
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrExhausted):
		return http.StatusInsufficientStorage
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	var se *StatusError
	if errors.As(err, &se) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
