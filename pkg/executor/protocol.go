package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Request is the single JSON line written to a tool process's stdin. The
// process reads it, does its work, and exits.
type Request struct {
	ID        string         `json:"id"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// Response is the single JSON document a tool process writes to stdout.
// The id is optional; when present it must echo the request id.
type Response struct {
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

func encodeRequest(req Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func decodeResponse(requestID string, stdout []byte) (*Response, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty response")
	}
	var resp Response
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, fmt.Errorf("malformed response: %v", err)
	}
	if resp.ID != "" && resp.ID != requestID {
		return nil, fmt.Errorf("response id %q does not match request id %q", resp.ID, requestID)
	}
	return &resp, nil
}

// capWriter buffers at most max bytes and notes whether anything was
// dropped. Writes never fail, so a chatty child process is drained rather
// than blocked.
type capWriter struct {
	max     int
	buf     bytes.Buffer
	dropped bool
}

func (w *capWriter) Write(p []byte) (int, error) {
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
			w.dropped = true
		} else {
			w.buf.Write(p)
		}
	} else if len(p) > 0 {
		w.dropped = true
	}
	return len(p), nil
}

func (w *capWriter) Bytes() []byte  { return w.buf.Bytes() }
func (w *capWriter) String() string { return w.buf.String() }
