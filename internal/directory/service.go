package directory

import (
	"context"
	"errors"
	"time"

	logx "pushbot/pkg/logx"
)

// Service implements Directory on top of a Store and handles registration.
type Service struct {
	store Store
	log   logx.Logger
	now   func() time.Time
}

func NewService(store Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, log: log, now: time.Now}
}

// Profile is what the channel knows about a user when they talk to the bot.
type Profile struct {
	ChatID    int64
	Username  string
	FirstName string
	LastName  string
}

// Register creates the recipient on first contact, otherwise refreshes the
// profile and last interaction. A returning user is reactivated.
func (s *Service) Register(ctx context.Context, p Profile) (Recipient, bool, error) {
	if p.ChatID == 0 {
		return Recipient{}, false, errors.New("directory: chat id is required")
	}
	now := s.now().UTC()
	r, created, err := s.store.UpsertRecipient(ctx, Recipient{
		ChatID:            p.ChatID,
		Username:          p.Username,
		FirstName:         p.FirstName,
		LastName:          p.LastName,
		Active:            true,
		LastInteractionAt: now,
		UpdatedAt:         now,
		CreatedAt:         now,
	})
	if err != nil {
		return Recipient{}, false, err
	}
	if created {
		s.log.Info("recipient registered", logx.Int64("recipient", r.ID), logx.Int64("chat_id", r.ChatID))
	} else {
		s.log.Debug("recipient seen", logx.Int64("recipient", r.ID))
	}
	return r, created, nil
}

func (s *Service) ListActive(ctx context.Context) ([]Recipient, error) {
	out, err := s.store.ListRecipients(ctx, true, 0, 0)
	if err != nil {
		return nil, unavailable(ctx, err)
	}
	return out, nil
}

func (s *Service) GetByID(ctx context.Context, id int64) (Recipient, error) {
	r, err := s.store.GetRecipient(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Recipient{}, err
	}
	if err != nil {
		return Recipient{}, unavailable(ctx, err)
	}
	return r, nil
}

// List pages through every recipient.
func (s *Service) List(ctx context.Context, offset, limit int) ([]Recipient, error) {
	return s.store.ListRecipients(ctx, false, offset, limit)
}

// SetActive toggles eligibility.
func (s *Service) SetActive(ctx context.Context, id int64, active bool) (Recipient, error) {
	r, err := s.store.SetRecipientActive(ctx, id, active, s.now().UTC())
	if err != nil {
		return Recipient{}, err
	}
	s.log.Info("recipient status changed", logx.Int64("recipient", id), logx.Bool("active", active))
	return r, nil
}

// Deactivate is called by the dispatcher when the channel reports the user unreachable for good.
func (s *Service) Deactivate(ctx context.Context, id int64) error {
	_, err := s.SetActive(ctx, id, false)
	return err
}

func (s *Service) Counts(ctx context.Context) (total, active int, err error) {
	return s.store.CountRecipients(ctx)
}

func unavailable(ctx context.Context, err error) error {
	// a cancelled caller is not a directory outage
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &UnavailableError{Err: err}
}
