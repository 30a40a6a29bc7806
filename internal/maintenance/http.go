package maintenance

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"opsisagent/internal/domain"
)

const (
	adminTokenBytes  = 32
	maxWindowPayload = 64 << 10
)

// ErrAdminTokenMissing is returned by ReadAdminToken before the agent created one.
var ErrAdminTokenMissing = errors.New("admin token file not found; start the agent once")

// LoadOrCreateAdminToken returns the local admin token, generating it on first start.
// Params: token file path; the file is created with 0600 permissions.
// Returns: hex token or file/permission error.
func LoadOrCreateAdminToken(path string) (string, error) {
	token, err := ReadAdminToken(path)
	if err == nil || !errors.Is(err, ErrAdminTokenMissing) {
		return token, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create admin token dir: %w", err)
	}
	raw := make([]byte, adminTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate admin token: %w", err)
	}
	token = hex.EncodeToString(raw)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create admin token file %q: %w", path, err)
	}
	if _, err := file.WriteString(token + "\n"); err != nil {
		_ = file.Close()
		return "", fmt.Errorf("write admin token file %q: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close admin token file %q: %w", path, err)
	}
	return token, nil
}

// ReadAdminToken reads an existing admin token without creating one.
// Params: token file path.
// Returns: hex token, ErrAdminTokenMissing, or read/permission error.
func ReadAdminToken(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("admin token file path is required")
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrAdminTokenMissing, path)
	}
	if err != nil {
		return "", fmt.Errorf("read admin token file %q: %w", path, err)
	}
	info, err := os.Stat(path)
	if err == nil && info.Mode().Perm()&0o077 != 0 {
		return "", fmt.Errorf("admin token file %q must not be readable by group or others", path)
	}
	token := strings.TrimSpace(string(raw))
	if len(token) != 2*adminTokenBytes {
		return "", fmt.Errorf("admin token file %q is malformed", path)
	}
	return token, nil
}

// HTTPHandler exposes the gate of a running agent to local tooling.
// GET lists windows, POST adds one, DELETE ?id= removes one. Every request
// must carry "Authorization: Bearer <admin token>".
type HTTPHandler struct {
	gate   *Gate
	token  []byte
	logger *slog.Logger
}

// NewHTTPHandler creates the window management handler.
// Params: gate, admin token and logger.
// Returns: configured handler.
func NewHTTPHandler(gate *Gate, token string, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{gate: gate, token: []byte(token), logger: logger}
}

func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if !h.authorized(request) {
		h.logger.Warn("maintenance api request unauthorized", "method", request.Method, "remote", request.RemoteAddr)
		writer.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch request.Method {
	case http.MethodGet:
		writeWindowJSON(writer, http.StatusOK, h.gate.List())
	case http.MethodPost:
		h.add(writer, request)
	case http.MethodDelete:
		h.remove(writer, request)
	default:
		writer.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *HTTPHandler) authorized(request *http.Request) bool {
	if len(h.token) == 0 {
		return false
	}
	provided, ok := strings.CutPrefix(request.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(provided)), h.token) == 1
}

func (h *HTTPHandler) add(writer http.ResponseWriter, request *http.Request) {
	request.Body = http.MaxBytesReader(writer, request.Body, maxWindowPayload)
	defer request.Body.Close()

	var window domain.MaintenanceWindow
	if err := json.NewDecoder(request.Body).Decode(&window); err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		_, _ = writer.Write([]byte("decode window: " + err.Error()))
		return
	}
	if window.Source == "" {
		window.Source = domain.SourceTechnician
	}
	stored, err := h.gate.Add(request.Context(), window)
	switch {
	case errors.Is(err, ErrDuplicateWindow):
		writer.WriteHeader(http.StatusConflict)
		_, _ = writer.Write([]byte(err.Error()))
	case err != nil:
		writer.WriteHeader(http.StatusBadRequest)
		_, _ = writer.Write([]byte(err.Error()))
	default:
		writeWindowJSON(writer, http.StatusCreated, stored)
	}
}

func (h *HTTPHandler) remove(writer http.ResponseWriter, request *http.Request) {
	id := strings.TrimSpace(request.URL.Query().Get("id"))
	if id == "" {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	err := h.gate.Remove(request.Context(), id)
	switch {
	case errors.Is(err, ErrWindowNotFound):
		writer.WriteHeader(http.StatusNotFound)
	case err != nil:
		writer.WriteHeader(http.StatusInternalServerError)
	default:
		writer.WriteHeader(http.StatusNoContent)
	}
}

func writeWindowJSON(writer http.ResponseWriter, status int, value any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(value)
}
