// Package wire is the JSON-over-HTTP call helper shared by the gossip
// transport, the sync peer client and the CLI.
package wire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ryandielhenn/fringe/pkg/fault"
)

// ErrorBody is the JSON body written for every non-2xx answer.
type ErrorBody struct {
	Error string `json:"error"`
}

// URL joins a host:port (optionally already carrying a scheme) with path.
func URL(addr, path string) string {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/") + path
}

// Call sends in (if non-nil) as JSON to addr+path and decodes the answer into
// out (if non-nil). Non-2xx answers come back as *fault.StatusError.
func Call(ctx context.Context, client *http.Client, method, addr, path string, in, out any) error {
	if client == nil {
		client = http.DefaultClient
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, URL(addr, path), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb ErrorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)
		return &fault.StatusError{Code: resp.StatusCode, Message: eb.Error}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// WriteError writes err as an ErrorBody with the status fault.HTTPStatus picks.
// Unclassified errors are reported without their text.
func WriteError(w http.ResponseWriter, err error) {
	status := fault.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	WriteJSON(w, status, ErrorBody{Error: msg})
}

// ReadJSON decodes a request body into v, capped at limit bytes.
func ReadJSON(r *http.Request, limit int64, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, limit))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", fault.ErrInvalid, err)
	}
	return nil
}
