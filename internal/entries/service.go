// Package entries accepts new income and expense entries and hands them to
// the history service, either directly or through the local outbox.
package entries

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"kharcha/internal/auth"
	"kharcha/internal/core"
	"kharcha/internal/log"
	"kharcha/internal/notify"
	"kharcha/internal/storage"
)

var ErrInvalidEntry = errors.New("invalid entry")

// Input is an entry as submitted by a form.
type Input struct {
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	Amount string `json:"amount"`
	Date   string `json:"date"`
	Icon   string `json:"icon"`
}

// Result of a submission. Session is the session the upstream call ran
// with, which differs from the caller's after a token renewal.
type Result struct {
	ID      string
	Queued  bool
	Session auth.Session
}

// Forwarder writes entries to the history service.
type Forwarder interface {
	CreateTransaction(ctx context.Context, sess auth.Session, e core.Entry) (string, error)
}

type Publisher interface {
	PublishEntrySync(ctx context.Context, id, userID string) error
}

// Invalidator drops a user's cached views.
type Invalidator interface {
	Invalidate(ctx context.Context, userID string)
}

type Notifier interface {
	Publish(userID string, ev notify.Event)
}

// Service orchestrates entry creation. With an outbox configured entries
// are stored locally first and forwarded by the sync worker.
type Service struct {
	forwarder   Forwarder
	renewer     auth.Renewer
	verifier    auth.Verifier
	outbox      storage.Outbox
	publisher   Publisher
	invalidator Invalidator
	notifier    Notifier
	logger      *log.Logger
	newID       func() string
}

type Option func(*Service)

func WithOutbox(outbox storage.Outbox, publisher Publisher) Option {
	return func(s *Service) {
		s.outbox = outbox
		s.publisher = publisher
	}
}

// WithVerifier checks sessions before entries are queued. The worker later
// forwards queued entries with the service token, so the outbox accepts
// only verified users and rejects everything when no verifier is set.
func WithVerifier(v auth.Verifier) Option {
	return func(s *Service) { s.verifier = v }
}

func WithRenewer(r auth.Renewer) Option {
	return func(s *Service) { s.renewer = r }
}

func WithInvalidator(i Invalidator) Option {
	return func(s *Service) { s.invalidator = i }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(l *log.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(forwarder Forwarder, opts ...Option) *Service {
	s := &Service{
		forwarder: forwarder,
		logger:    log.Discard(),
		newID:     func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent(log.ComponentEntries)
	return s
}

// Queued reports whether entries go through the outbox.
func (s *Service) Queued() bool {
	return s.outbox != nil
}

// Parse validates in and builds the entry for userID.
func Parse(userID string, in Input) (core.Entry, error) {
	kind, err := core.ParseKind(in.Kind)
	if err != nil {
		return core.Entry{}, fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}
	amount, err := core.ParseAmount(in.Amount)
	if err != nil {
		return core.Entry{}, fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}
	date, err := core.ParseDate(in.Date)
	if err != nil {
		return core.Entry{}, fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}
	e := core.Entry{
		UserID: userID,
		Kind:   kind,
		Name:   strings.TrimSpace(in.Name),
		Amount: amount,
		Date:   date,
		Icon:   strings.TrimSpace(in.Icon),
	}
	if err := e.Validate(); err != nil {
		return core.Entry{}, fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}
	return e, nil
}

// Create validates and submits an entry for the session's user.
func (s *Service) Create(ctx context.Context, sess auth.Session, in Input) (Result, error) {
	e, err := Parse(sess.UserID, in)
	if err != nil {
		return Result{Session: sess}, err
	}
	e.ID = s.newID()

	var res Result
	if s.outbox != nil {
		res, err = s.enqueue(ctx, sess, e)
	} else {
		res, err = s.forward(ctx, sess, e)
	}
	if err != nil {
		return res, err
	}

	if s.invalidator != nil {
		s.invalidator.Invalidate(ctx, sess.UserID)
	}
	if s.notifier != nil {
		s.notifier.Publish(sess.UserID, notify.NewEvent(notify.EntryCreated, res.ID))
	}
	s.logger.InfoContext(ctx, "Entry accepted",
		log.FieldEntryID, res.ID,
		log.FieldUserID, sess.UserID,
		log.FieldKind, e.Kind.String(),
		"queued", res.Queued)
	return res, nil
}

func (s *Service) forward(ctx context.Context, sess auth.Session, e core.Entry) (Result, error) {
	id, used, err := auth.WithRefresh(ctx, sess, s.renewer, func(ctx context.Context, sess auth.Session) (string, error) {
		return s.forwarder.CreateTransaction(ctx, sess, e)
	})
	if err != nil {
		return Result{Session: used}, fmt.Errorf("create transaction: %w", err)
	}
	if id == "" {
		id = e.ID
	}
	return Result{ID: id, Session: used}, nil
}

func (s *Service) enqueue(ctx context.Context, sess auth.Session, e core.Entry) (Result, error) {
	if err := s.verify(ctx, sess); err != nil {
		s.logger.WarnContext(ctx, "Rejected unverified entry",
			log.FieldUserID, sess.UserID,
			log.FieldError, err,
			log.FieldErrorType, log.ErrorTypeAuth)
		return Result{Session: sess}, err
	}
	if err := s.outbox.EnqueueEntry(ctx, e); err != nil {
		return Result{Session: sess}, fmt.Errorf("save entry: %w", err)
	}

	// The entry is stored; a lost message is recovered by the worker sweep.
	if s.publisher == nil {
		s.logger.WarnContext(ctx, "AMQP client not available, skipping sync message", log.FieldEntryID, e.ID)
	} else if err := s.publisher.PublishEntrySync(ctx, e.ID, e.UserID); err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish sync message", log.FieldEntryID, e.ID, log.FieldError, err)
	}
	return Result{ID: e.ID, Queued: true, Session: sess}, nil
}

func (s *Service) verify(ctx context.Context, sess auth.Session) error {
	if s.verifier == nil {
		return fmt.Errorf("%w: no token verifier", auth.ErrUnauthorized)
	}
	claims, err := s.verifier.Verify(ctx, sess.AccessToken)
	if err != nil {
		return err
	}
	if claims.UserID != sess.UserID {
		return fmt.Errorf("%w: token belongs to another user", auth.ErrUnauthorized)
	}
	return nil
}
