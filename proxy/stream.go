package proxy

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"satgate/pricing"
)

// sseCollector watches the SSE line stream for the trailing usage object.
// Providers emit usage on one of the final chunks; only the last observation
// counts.
type sseCollector struct {
	usage *pricing.Usage
	model string
}

type streamChunk struct {
	Model string         `json:"model"`
	Usage *pricing.Usage `json:"usage"`
}

// feed consumes one SSE line. Non-data lines and the [DONE] sentinel are
// ignored; malformed events are skipped rather than failing the stream.
func (c *sseCollector) feed(line []byte) {
	trimmed := bytes.TrimRight(line, "\r")
	data, ok := bytes.CutPrefix(trimmed, []byte("data:"))
	if !ok {
		return
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
		return
	}
	var chunk streamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return
	}
	if chunk.Model != "" {
		c.model = chunk.Model
	}
	if chunk.Usage != nil {
		c.usage = chunk.Usage
	}
}

// feedAll runs the collector over a fully buffered SSE body. The ephemeral
// path uses this after draining the upstream stream.
func (c *sseCollector) feedAll(body []byte) {
	for _, line := range bytes.Split(body, []byte("\n")) {
		c.feed(line)
	}
}

// flushWriter forwards bytes to the client immediately and remembers the
// first write failure, which is how a client disconnect announces itself
// mid-stream.
type flushWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	err     error
}

func newFlushWriter(w http.ResponseWriter) *flushWriter {
	fw := &flushWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		fw.flusher = f
	}
	return fw
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	if fw.err != nil {
		return 0, fw.err
	}
	n, err := fw.w.Write(p)
	if err != nil {
		fw.err = err
		return n, err
	}
	if fw.flusher != nil {
		fw.flusher.Flush()
	}
	return n, nil
}

// responseModel picks the model id to settle against: the upstream's own
// declaration wins over the client's request.
func responseModel(observed, requested string) string {
	if strings.TrimSpace(observed) != "" {
		return observed
	}
	return requested
}
