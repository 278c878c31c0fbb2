package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"not found", fmt.Errorf("get k: %w", ErrNotFound), http.StatusNotFound},
		{"invalid", ErrInvalid, http.StatusBadRequest},
		{"timeout", fmt.Errorf("%w: probe", ErrTimeout), http.StatusGatewayTimeout},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"exhausted", ErrExhausted, http.StatusInsufficientStorage},
		{"unavailable", ErrUnavailable, http.StatusServiceUnavailable},
		{"network", &NetworkError{Peer: "a:9090", Err: errors.New("refused")}, http.StatusBadGateway},
		{"peer 404", Classify("a:9090", &StatusError{Code: http.StatusNotFound}), http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HTTPStatus(tc.err))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify("p", nil))

	err := Classify("p:1", context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrTimeout)

	err = Classify("p:1", errors.New("connection refused"))
	var ne *NetworkError
	assert.ErrorAs(t, err, &ne)
	assert.Equal(t, "p:1", ne.Peer)

	// a 504 relayed by a peer is still a timeout
	err = Classify("p:1", &StatusError{Code: http.StatusGatewayTimeout})
	assert.True(t, IsTimeout(err))
}

func TestStatusErrorIs(t *testing.T) {
	assert.ErrorIs(t, &StatusError{Code: http.StatusNotFound}, ErrNotFound)
	assert.ErrorIs(t, &StatusError{Code: http.StatusBadRequest}, ErrInvalid)
	assert.NotErrorIs(t, &StatusError{Code: http.StatusInternalServerError}, ErrNotFound)
}
