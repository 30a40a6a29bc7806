package playbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"opsisagent/internal/domain"
	"opsisagent/internal/persist"
	"opsisagent/internal/trust"
)

const runbookPrefix = "runbook-"

var runbookIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

var (
	// ErrRunbookTampered blocks execution of a cached runbook whose hash changed.
	ErrRunbookTampered = errors.New("cached runbook failed integrity check")
	// ErrRunbookNotCached is returned when no cached copy exists.
	ErrRunbookNotCached = errors.New("runbook not cached")
)

// RunbookCache stores controller-delivered playbooks with integrity hashes.
// Params: document store, integrity checker, and step validator.
// Returns: cache whose loads fail closed on hash mismatch.
type RunbookCache struct {
	store     persist.Store
	integrity *trust.Integrity
	steps     *trust.StepValidator
	logger    *slog.Logger
}

// NewRunbookCache creates cache.
func NewRunbookCache(store persist.Store, integrity *trust.Integrity, steps *trust.StepValidator, logger *slog.Logger) *RunbookCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunbookCache{store: store, integrity: integrity, steps: steps, logger: logger}
}

func runbookKey(id string) (string, error) {
	if !runbookIDPattern.MatchString(id) {
		return "", fmt.Errorf("invalid runbook id %q", id)
	}
	return runbookPrefix + id, nil
}

// Save validates, stores and registers the hash of a runbook.
// Params: ctx and playbook.
// Returns: validation, storage or trust error.
func (c *RunbookCache) Save(ctx context.Context, pb domain.Playbook) error {
	key, err := runbookKey(pb.ID)
	if err != nil {
		return err
	}
	if err := Validate(pb, c.steps); err != nil {
		return err
	}
	raw, err := json.Marshal(pb)
	if err != nil {
		return fmt.Errorf("encode runbook %s: %w", pb.ID, err)
	}
	if err := c.store.Save(ctx, key, raw); err != nil {
		return fmt.Errorf("store runbook %s: %w", pb.ID, err)
	}
	if _, err := c.integrity.Register(ctx, key, raw); err != nil {
		return fmt.Errorf("register runbook %s: %w", pb.ID, err)
	}
	c.logger.Info("runbook cached", "runbook_id", pb.ID, "steps", len(pb.Steps))
	return nil
}

// Load reads a cached runbook and verifies its hash.
// Params: ctx and runbook ID.
// Returns: playbook, ErrRunbookNotCached, ErrRunbookTampered, or trust error.
func (c *RunbookCache) Load(ctx context.Context, id string) (domain.Playbook, error) {
	key, err := runbookKey(id)
	if err != nil {
		return domain.Playbook{}, err
	}
	raw, err := c.store.Load(ctx, key)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return domain.Playbook{}, fmt.Errorf("%w: %s", ErrRunbookNotCached, id)
		}
		return domain.Playbook{}, fmt.Errorf("read runbook %s: %w", id, err)
	}

	status, err := c.integrity.Verify(ctx, key, raw)
	if err != nil {
		return domain.Playbook{}, fmt.Errorf("verify runbook %s: %w", id, err)
	}
	switch status {
	case trust.IntegrityHashMismatch:
		c.logger.Error("runbook hash mismatch, refusing cached copy", "runbook_id", id)
		return domain.Playbook{}, fmt.Errorf("%w: %s", ErrRunbookTampered, id)
	case trust.IntegrityNoStoredHash:
		c.logger.Warn("runbook has no stored hash, registering on first use", "runbook_id", id)
		if _, err := c.integrity.Register(ctx, key, raw); err != nil {
			return domain.Playbook{}, fmt.Errorf("register runbook %s: %w", id, err)
		}
	}

	var pb domain.Playbook
	if err := json.Unmarshal(raw, &pb); err != nil {
		return domain.Playbook{}, fmt.Errorf("decode runbook %s: %w", id, err)
	}
	if err := Validate(pb, c.steps); err != nil {
		return domain.Playbook{}, err
	}
	return pb, nil
}
