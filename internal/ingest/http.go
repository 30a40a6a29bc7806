// Package ingest accepts metrics snapshots from the local collector.
package ingest

import (
	"context"
	"io"
	"net/http"

	"opsisagent/internal/domain"
	"opsisagent/internal/metrics"
)

// SnapshotSink receives decoded snapshots from ingest interfaces.
// Params: ctx and validated snapshot.
// Returns: processing error.
type SnapshotSink interface {
	PushSnapshot(ctx context.Context, snapshot domain.Metrics) error
}

// HTTPHandler decodes JSON snapshots and forwards them to sink.
// Params: sink receives validated snapshots, max body limits payload size.
// Returns: HTTP handler for ingest endpoint.
type HTTPHandler struct {
	sink        SnapshotSink
	maxBodySize int64
	metrics     *metrics.Metrics
}

// NewHTTPHandler creates ingest HTTP handler.
// Params: sink, max request body size in bytes, and optional metrics.
// Returns: configured handler.
func NewHTTPHandler(sink SnapshotSink, maxBodySize int64, m *metrics.Metrics) *HTTPHandler {
	return &HTTPHandler{sink: sink, maxBodySize: maxBodySize, metrics: m}
}

// ServeHTTP handles one snapshot or an array of snapshots.
// Params: HTTP request/response writer pair.
// Returns: writes status code according to decode/push result.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	snapshots, err := decodeSnapshotPayload(body)
	if err != nil {
		h.metrics.IncSnapshotInvalid()
		writer.WriteHeader(http.StatusBadRequest)
		_, _ = writer.Write([]byte(err.Error()))
		return
	}

	if err := pushSnapshots(request.Context(), h.sink, snapshots); err != nil {
		writer.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writer.WriteHeader(http.StatusAccepted)
}
