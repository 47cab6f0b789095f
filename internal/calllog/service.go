package calllog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"voiceagent/internal/calls"

	"github.com/google/uuid"
)

// Repository is the storage contract for call log entries.
// It is append-only; there are no Update/Delete methods.
type Repository interface {
	Append(ctx context.Context, e Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

// Service records call transitions. Logging is best-effort and never
// blocks the call flow on a storage failure.
type Service struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log, clock: time.Now}
}

var ErrInvalidEntry = errors.New("calllog: invalid entry")

func (s *Service) Append(ctx context.Context, e Entry) error {
	if s.repo == nil {
		return errors.New("calllog: repository not configured")
	}
	if e.CallID == "" || e.Type == "" {
		return ErrInvalidEntry
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

func (s *Service) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s.repo == nil {
		return nil, errors.New("calllog: repository not configured")
	}
	return s.repo.Recent(ctx, limit)
}

// ObserveTransition implements calls.Observer.
func (s *Service) ObserveTransition(t calls.Transition) {
	err := s.Append(context.Background(), Entry{
		CallID:          t.CallID,
		Type:            entryType(t),
		FromState:       string(t.From),
		ToState:         string(t.To),
		Room:            t.Room,
		DurationSeconds: t.DurationSeconds,
		ErrorKind:       string(t.ErrorKind),
		Message:         t.ErrorMessage,
		CreatedAt:       t.At,
	})
	if err != nil {
		s.log.Warn("call log append failed", "call_id", t.CallID, "err", err)
	}
}

func entryType(t calls.Transition) EntryType {
	switch t.To {
	case calls.StateConnecting:
		return EntryTypeStarted
	case calls.StateConnected:
		return EntryTypeConnected
	case calls.StateReconnecting:
		return EntryTypeReconnecting
	case calls.StateDisconnecting:
		return EntryTypeEnding
	case calls.StateDisconnected:
		return EntryTypeEnded
	case calls.StateError:
		return EntryTypeFailed
	default:
		return EntryTypeReset
	}
}
