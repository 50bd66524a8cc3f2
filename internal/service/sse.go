package service

import (
	"bytes"

	"github.com/user/llm-gateway-go/internal/models"
)

// streamErrorFrame is the terminating SSE event emitted downstream when
// the upstream fails mid-stream. The payload is deliberately generic so
// it never reveals which provider broke.
var streamErrorFrame = []byte(`data: {"error":{"code":"STREAM_ERROR"}}` + "\n\n")

var (
	sseDataPrefix = []byte("data:")
	sseDoneMarker = []byte("[DONE]")
)

// parseSSEUsage inspects one SSE line. When the line is a data payload
// carrying a usage object it returns the normalized counts. Blank lines,
// non-data fields, the [DONE] marker, and payloads that are not JSON or
// carry no usage are all skipped.
func parseSSEUsage(line []byte) (models.Usage, bool) {
	if !bytes.HasPrefix(line, sseDataPrefix) {
		return models.Usage{}, false
	}
	payload := bytes.TrimSpace(line[len(sseDataPrefix):])
	if len(payload) == 0 || bytes.Equal(payload, sseDoneMarker) {
		return models.Usage{}, false
	}
	usage := ExtractUsage(payload)
	if usage.IsZero() {
		return models.Usage{}, false
	}
	return usage, true
}
