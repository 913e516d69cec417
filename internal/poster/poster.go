// Package poster publishes an account's current verse and records the
// outcome.
package poster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mikequentel/wird/internal/model"
	"github.com/mikequentel/wird/internal/social"
	"github.com/mikequentel/wird/internal/store"
	"github.com/mikequentel/wird/internal/verses"
)

// ErrNotLinked is returned for accounts without a complete linkage.
var ErrNotLinked = errors.New("account is not linked")

// PublishError wraps a failed publish. The failure is already in the post
// log when this is returned.
type PublishError struct {
	Record model.PostRecord
	Cause  error
}

func (e *PublishError) Error() string { return "publish failed: " + e.Cause.Error() }
func (e *PublishError) Unwrap() error { return e.Cause }

type Service struct {
	store      store.Store
	publishers social.Registry
	log        *zap.Logger
	now        func() time.Time
}

func New(st store.Store, publishers social.Registry, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, publishers: publishers, log: log, now: time.Now}
}

// Post publishes the verse at the account's cursor.
//
// On success the post record is appended before the account is advanced,
// so an interruption between the two writes leaves the audit trail ahead
// of the cursor and the same verse is retried next time.
func (s *Service) Post(ctx context.Context, accountID int64) (model.PostRecord, error) {
	acct, err := s.store.Account(ctx, accountID)
	if err != nil {
		return model.PostRecord{}, fmt.Errorf("load account %d: %w", accountID, err)
	}
	if !acct.Link.Complete() {
		return model.PostRecord{}, ErrNotLinked
	}
	n, err := s.store.VerseCount(ctx)
	if err != nil {
		return model.PostRecord{}, fmt.Errorf("count verses: %w", err)
	}
	if n == 0 {
		return model.PostRecord{}, store.ErrNoVerses
	}
	verse, err := s.store.VerseByIndex(ctx, acct.Cursor)
	if err != nil {
		return model.PostRecord{}, fmt.Errorf("load verse %d: %w", acct.Cursor, err)
	}

	log := s.log.With(
		zap.Int64("account_id", acct.ID),
		zap.String("username", acct.Username),
		zap.String("provider", acct.Link.Provider),
		zap.Int("verse_index", verse.Index),
	)

	postID, pubErr := s.publish(ctx, acct.Link, verse)
	rec := model.PostRecord{
		AccountID:  acct.ID,
		VerseIndex: verse.Index,
		PostedAt:   s.now().UTC(),
	}
	if pubErr != nil {
		rec.Error = errorDetail(pubErr)
		rec, err = s.store.AppendPost(ctx, rec)
		if err != nil {
			log.Error("recording failed post", zap.Error(err))
			return model.PostRecord{}, fmt.Errorf("record failed post: %w", err)
		}
		log.Warn("post failed", zap.Error(pubErr))
		return rec, &PublishError{Record: rec, Cause: pubErr}
	}

	rec.Success = true
	rec.ExternalPostID = postID
	rec, err = s.store.AppendPost(ctx, rec)
	if err != nil {
		return model.PostRecord{}, fmt.Errorf("record post %s: %w", postID, err)
	}

	next := (verse.Index + 1) % n
	days := acct.DaysPosted + 1
	if _, err := s.store.UpdateAccount(ctx, acct.ID, model.AccountUpdate{Cursor: &next, DaysPosted: &days}); err != nil {
		return rec, fmt.Errorf("advance account %d: %w", acct.ID, err)
	}
	log.Info("posted", zap.String("post_id", postID), zap.Int("next_index", next))
	return rec, nil
}

// errorDetail is the text stored on a failed record. It is never empty.
func errorDetail(err error) string {
	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return "publish failed"
}

func (s *Service) publish(ctx context.Context, link model.Linkage, v model.Verse) (string, error) {
	p, err := s.publishers.Lookup(link.Provider)
	if err != nil {
		return "", err
	}
	status := verses.Fit(verses.FormatStatus(v), p.MaxChars())
	id, err := p.Publish(ctx, link, status)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", errors.New("provider returned an empty post id")
	}
	return id, nil
}
