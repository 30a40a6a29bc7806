// Package tickets keeps the append-only remediation history.
package tickets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"opsisagent/internal/badgerdb"
	"opsisagent/internal/clock"
	"opsisagent/internal/confidence"
	"opsisagent/internal/config"
	"opsisagent/internal/domain"
)

const (
	keyPrefix  = "ticket/"
	pruneChunk = 500
)

// Ticket statuses.
const (
	StatusOpen       = "open"
	StatusResolved   = "resolved"
	StatusFailed     = "failed"
	StatusEscalated  = "escalated"
	StatusSuppressed = "suppressed"
)

// Ticket results recorded after a remediation run.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Ticket is one history record.
type Ticket struct {
	ID                string          `json:"ticket_id"`
	CreatedAt         time.Time       `json:"created_at"`
	SignatureID       string          `json:"signature_id"`
	ResourceID        string          `json:"resource_id,omitempty"`
	Category          string          `json:"category,omitempty"`
	Severity          domain.Severity `json:"severity,omitempty"`
	Description       string          `json:"description,omitempty"`
	Status            string          `json:"status"`
	Result            string          `json:"result,omitempty"`
	Escalated         bool            `json:"escalated"`
	EscalationReasons []string        `json:"escalation_reasons,omitempty"`
	PlaybookID        string          `json:"playbook_id,omitempty"`
	ExecutionID       string          `json:"execution_id,omitempty"`
	Source            string          `json:"source,omitempty"`
	Error             string          `json:"error,omitempty"`
}

// Stats summarizes ticket history.
type Stats struct {
	IssuesDetected  int `json:"issues_detected"`
	ActiveTickets   int `json:"active_tickets"`
	IssuesEscalated int `json:"issues_escalated"`
	SuccessRate     int `json:"success_rate"`
}

// BadgerStore is the badger-backed ticket history.
type BadgerStore struct {
	db     *badgerdb.DB
	clock  clock.Clock
	logger *slog.Logger
}

// Open opens ticket store per config.
// Params: tickets config, clock, and logger.
// Returns: store or open error.
func Open(cfg config.TicketsConfig, clk clock.Clock, logger *slog.Logger) (*BadgerStore, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := badgerdb.Open(badgerdb.Config{
		Path:       cfg.Path,
		InMemory:   cfg.InMemory,
		SyncWrites: true,
		Logger:     logger.With("component", "tickets"),
		GCInterval: 10 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("open ticket store: %w", err)
	}
	return &BadgerStore{db: db, clock: clk, logger: logger}, nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func ticketKey(at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", keyPrefix, at.UnixNano(), id))
}

func keyTime(key []byte) (time.Time, bool) {
	rest := strings.TrimPrefix(string(key), keyPrefix)
	idx := strings.IndexByte(rest, '/')
	if idx <= 0 {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(rest[:idx], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos).UTC(), true
}

// Append stores a new ticket.
// Params: ctx and ticket (ID and CreatedAt filled when empty).
// Returns: stored ticket or write error.
func (s *BadgerStore) Append(ctx context.Context, ticket Ticket) (Ticket, error) {
	if ticket.ID == "" {
		ticket.ID = uuid.NewString()
	}
	if ticket.CreatedAt.IsZero() {
		ticket.CreatedAt = s.clock.Now()
	}
	if ticket.Status == "" {
		ticket.Status = StatusOpen
	}
	body, err := json.Marshal(ticket)
	if err != nil {
		return Ticket{}, fmt.Errorf("encode ticket: %w", err)
	}
	key := ticketKey(ticket.CreatedAt, ticket.ID)
	if err := s.db.UpdateCtx(ctx, func(txn *badger.Txn) error {
		return txn.Set(key, body)
	}); err != nil {
		return Ticket{}, fmt.Errorf("append ticket: %w", err)
	}
	return ticket, nil
}

// scan walks tickets oldest first (or newest first when reverse) until fn returns false.
func (s *BadgerStore) scan(ctx context.Context, reverse bool, fn func(Ticket) bool) error {
	return s.db.ViewCtx(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		opts.Reverse = reverse
		it := txn.NewIterator(opts)
		defer it.Close()

		start := []byte(keyPrefix)
		if reverse {
			start = []byte(keyPrefix + "~")
		}
		for it.Seek(start); it.ValidForPrefix([]byte(keyPrefix)); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var ticket Ticket
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ticket)
			}); err != nil {
				s.logger.Warn("skip undecodable ticket", "key", string(it.Item().Key()), "error", err)
				continue
			}
			if !fn(ticket) {
				return nil
			}
		}
		return nil
	})
}

// Recent returns newest tickets first.
// Params: ctx and maximum count (<=0 means all).
// Returns: tickets or read error.
func (s *BadgerStore) Recent(ctx context.Context, limit int) ([]Ticket, error) {
	var out []Ticket
	err := s.scan(ctx, true, func(ticket Ticket) bool {
		out = append(out, ticket)
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, fmt.Errorf("read recent tickets: %w", err)
	}
	return out, nil
}

// Aggregate groups remediation results by signature.
// Params: ctx.
// Returns: success/failure counts keyed by signature.
func (s *BadgerStore) Aggregate(ctx context.Context) (map[string]confidence.Aggregate, error) {
	out := make(map[string]confidence.Aggregate)
	err := s.scan(ctx, false, func(ticket Ticket) bool {
		if ticket.SignatureID == "" {
			return true
		}
		agg := out[ticket.SignatureID]
		switch ticket.Result {
		case ResultSuccess:
			agg.Successes++
		case ResultFailure:
			agg.Failures++
		default:
			return true
		}
		out[ticket.SignatureID] = agg
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate tickets: %w", err)
	}
	return out, nil
}

// Stats computes detected/active/escalated counts and success rate.
// Params: ctx.
// Returns: stats or read error.
func (s *BadgerStore) Stats(ctx context.Context) (Stats, error) {
	var (
		stats      Stats
		successes  int
		withResult int
	)
	err := s.scan(ctx, false, func(ticket Ticket) bool {
		stats.IssuesDetected++
		if ticket.Status != StatusResolved && ticket.Result != ResultSuccess {
			stats.ActiveTickets++
		}
		if ticket.Escalated {
			stats.IssuesEscalated++
		}
		if ticket.Result != "" {
			withResult++
			if ticket.Result == ResultSuccess {
				successes++
			}
		}
		return true
	})
	if err != nil {
		return Stats{}, fmt.Errorf("ticket stats: %w", err)
	}
	if withResult > 0 {
		stats.SuccessRate = successes * 100 / withResult
	}
	return stats, nil
}

// PruneBefore deletes tickets created before cutoff.
// Params: ctx and cutoff instant.
// Returns: number deleted or write error.
func (s *BadgerStore) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var stale [][]byte
	err := s.db.ViewCtx(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			at, ok := keyTime(key)
			if ok && !at.Before(cutoff) {
				break
			}
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan stale tickets: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	for start := 0; start < len(stale); start += pruneChunk {
		end := start + pruneChunk
		if end > len(stale) {
			end = len(stale)
		}
		chunk := stale[start:end]
		if err := s.db.UpdateCtx(ctx, func(txn *badger.Txn) error {
			for _, key := range chunk {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return start, fmt.Errorf("delete stale tickets: %w", err)
		}
	}
	return len(stale), nil
}

// Run prunes tickets older than retention on the configured interval.
// Params: ctx controlling loop lifetime and tickets config.
// Returns: nil on cancellation.
func (s *BadgerStore) Run(ctx context.Context, cfg config.TicketsConfig) error {
	interval := time.Duration(cfg.PruneSec) * time.Second
	if interval <= 0 || cfg.Retention() <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := s.PruneBefore(ctx, s.clock.Now().Add(-cfg.Retention()))
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				s.logger.Warn("ticket prune failed", "error", err)
				continue
			}
			if removed > 0 {
				s.logger.Info("old tickets pruned", "removed", removed)
			}
		}
	}
}
