package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	sqlite3 "github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	"github.com/drover-sh/drover/pkg/droverr"
	"github.com/drover-sh/drover/pkg/models"
)

// maxBusyRetries is the number of extra attempts after the first when
// SQLite reports lock contention.
const maxBusyRetries = 2

// SessionStore is the durable session table. All writes are durable on
// return; transient lock contention is retried internally.
type SessionStore struct {
	client *Client
}

// NewSessionStore creates a SessionStore on an open client.
func NewSessionStore(client *Client) *SessionStore {
	return &SessionStore{client: client}
}

// SessionPatch is a partial session update. Nil fields are untouched.
type SessionPatch struct {
	Status              *models.SessionStatus
	IterationsPlanned   *int
	IterationsCompleted *int
	Model               *string
	StartedAt           *int64
	CompletedAt         *int64
	PID                 *int
	ClearPID            bool
	Metadata            map[string]any
	Error               *string
}

func (p *SessionPatch) columns() map[string]any {
	updates := make(map[string]any)
	if p.Status != nil {
		updates["status"] = *p.Status
	}
	if p.IterationsPlanned != nil {
		updates["iterations_planned"] = *p.IterationsPlanned
	}
	if p.IterationsCompleted != nil {
		updates["iterations_completed"] = *p.IterationsCompleted
	}
	if p.Model != nil {
		updates["model"] = *p.Model
	}
	if p.StartedAt != nil {
		updates["started_at"] = *p.StartedAt
	}
	if p.CompletedAt != nil {
		updates["completed_at"] = *p.CompletedAt
	}
	if p.PID != nil {
		updates["pid"] = *p.PID
	} else if p.ClearPID {
		updates["pid"] = nil
	}
	if p.Metadata != nil {
		updates["metadata"] = p.Metadata
	}
	if p.Error != nil {
		updates["error"] = *p.Error
	}
	return updates
}

// Create inserts a new session row. An existing id yields Duplicate.
func (s *SessionStore) Create(ctx context.Context, session *models.Session) error {
	return s.withBusyRetry(ctx, func() error {
		err := s.client.Gorm().WithContext(ctx).Create(session).Error
		if isConstraintViolation(err) {
			return droverr.Wrap(droverr.CodeDuplicate, err, "session %s already exists", session.ID)
		}
		return err
	})
}

// Get returns the session with the given id.
func (s *SessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	err := s.withBusyRetry(ctx, func() error {
		err := s.client.Gorm().WithContext(ctx).First(&session, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return droverr.New(droverr.CodeNotFound, "session %s not found", id)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// Update applies a partial update inside a transaction. Rows in a
// terminal status reject every further mutation; iterations_completed
// must stay monotonic and within the plan.
func (s *SessionStore) Update(ctx context.Context, id string, patch SessionPatch) (*models.Session, error) {
	var updated models.Session
	err := s.withBusyRetry(ctx, func() error {
		return s.client.Gorm().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var current models.Session
			if err := tx.First(&current, "id = ?", id).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return droverr.New(droverr.CodeNotFound, "session %s not found", id)
				}
				return err
			}

			if current.Status.IsTerminal() {
				return droverr.New(droverr.CodeInvalidState,
					"session %s is %s and cannot be modified", id, current.Status)
			}

			planned := current.IterationsPlanned
			if patch.IterationsPlanned != nil {
				planned = *patch.IterationsPlanned
			}
			if patch.IterationsCompleted != nil {
				if *patch.IterationsCompleted < current.IterationsCompleted {
					return droverr.New(droverr.CodeInvalidState,
						"iterations_completed cannot decrease (%d -> %d)",
						current.IterationsCompleted, *patch.IterationsCompleted)
				}
				if *patch.IterationsCompleted > planned {
					return droverr.New(droverr.CodeInvalidState,
						"iterations_completed %d exceeds planned %d",
						*patch.IterationsCompleted, planned)
				}
			}

			updates := patch.columns()
			if len(updates) > 0 {
				if err := tx.Model(&models.Session{}).Where("id = ?", id).Updates(updates).Error; err != nil {
					return err
				}
			}

			return tx.First(&updated, "id = ?", id).Error
		})
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Delete removes the session row. Deleting an absent id is a no-op.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	return s.withBusyRetry(ctx, func() error {
		return s.client.Gorm().WithContext(ctx).Delete(&models.Session{}, "id = ?", id).Error
	})
}

// ListByStatus returns sessions in any of the given statuses, newest
// first.
func (s *SessionStore) ListByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]*models.Session, error) {
	var sessions []*models.Session
	err := s.withBusyRetry(ctx, func() error {
		return s.client.Gorm().WithContext(ctx).
			Where("status IN ?", statuses).
			Order("created_at DESC").
			Find(&sessions).Error
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// ListAll returns every session, newest first.
func (s *SessionStore) ListAll(ctx context.Context) ([]*models.Session, error) {
	var sessions []*models.Session
	err := s.withBusyRetry(ctx, func() error {
		return s.client.Gorm().WithContext(ctx).
			Order("created_at DESC").
			Find(&sessions).Error
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// CountByStatus returns session counts grouped by status.
func (s *SessionStore) CountByStatus(ctx context.Context) (map[models.SessionStatus]int, error) {
	type row struct {
		Status models.SessionStatus
		N      int
	}
	var rows []row
	err := s.withBusyRetry(ctx, func() error {
		return s.client.Gorm().WithContext(ctx).
			Model(&models.Session{}).
			Select("status, COUNT(*) AS n").
			Group("status").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	counts := make(map[models.SessionStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// withBusyRetry runs op, retrying SQLITE_BUSY/SQLITE_LOCKED with bounded
// exponential backoff. Exhausted retries surface as DbUnavailable.
func (s *SessionStore) withBusyRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 200 * time.Millisecond
	bo.Multiplier = 2

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, maxBusyRetries), ctx)

	err := backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isBusy(err) {
			return droverr.Wrap(droverr.CodeDbBusy, err, "database busy")
		}
		var de *droverr.Error
		if errors.As(err, &de) {
			return backoff.Permanent(err)
		}
		return backoff.Permanent(droverr.Wrap(droverr.CodeDbUnavailable, err, "database operation failed"))
	}, policy)

	if err != nil && droverr.IsCode(err, droverr.CodeDbBusy) {
		return droverr.Wrap(droverr.CodeDbUnavailable, err, "database still busy after %d attempts", maxBusyRetries+1)
	}
	return err
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func isConstraintViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}
