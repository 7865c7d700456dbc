// Package touch sends touches to the partner, keeps the local history feed
// and watches for incoming touches over realtime.
package touch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/chaz8081/longing-touch/internal/apperr"
	"github.com/chaz8081/longing-touch/internal/model"
	"github.com/chaz8081/longing-touch/internal/realtime"
)

const tableTouches = "touches"

// Repository is the remote touch store.
type Repository interface {
	InsertTouch(ctx context.Context, t model.NewTouch) (*model.Touch, error)
	ListTouches(ctx context.Context, partnershipID string, limit int) ([]model.Touch, error)
	MarkTouchRead(ctx context.Context, touchID, receiverID string) (time.Time, error)
}

// Subscriber streams row changes.
type Subscriber interface {
	Subscribe(ctx context.Context, accessToken string, sub realtime.Subscription, onJoined func(), handler func(realtime.Change)) error
}

type sendRequest struct {
	Intensity int    `validate:"min=1,max=5"`
	Message   string `validate:"max=280"`
}

// Service sends and tracks touches for one signed-in account.
type Service struct {
	repo     Repository
	sub      Subscriber
	feed     *Feed
	limit    int
	validate *validator.Validate
}

// NewService creates a touch service. limit is the history page size;
// limit <= 0 leaves the choice to the repository.
func NewService(repo Repository, sub Subscriber, limit int) *Service {
	return &Service{
		repo:     repo,
		sub:      sub,
		feed:     NewFeed(),
		limit:    limit,
		validate: validator.New(),
	}
}

// Feed returns the local history cache.
func (s *Service) Feed() *Feed {
	return s.feed
}

// Send records a touch from sender to the other member of p. It fails
// with NoPartner when p is nil or not yet accepted and with InvalidInput
// for an intensity outside 1..5.
func (s *Service) Send(ctx context.Context, senderID string, p *model.Partnership, intensity int, message string) (*model.Touch, error) {
	const op = "touch.send"

	if p == nil || p.Status != model.StatusAccepted {
		return nil, apperr.E(apperr.NoPartner, op, nil)
	}
	if !p.Has(senderID) {
		return nil, apperr.E(apperr.InvalidInput, op, errors.New("sender is not a member of the partnership"))
	}
	message = strings.TrimSpace(message)
	if err := s.validate.Struct(sendRequest{Intensity: intensity, Message: message}); err != nil {
		return nil, apperr.E(apperr.InvalidInput, op, describe(err))
	}

	t, err := s.repo.InsertTouch(ctx, model.NewTouch{
		SenderID:      senderID,
		ReceiverID:    p.Counterpart(senderID),
		PartnershipID: p.ID,
		Intensity:     intensity,
		Message:       message,
	})
	if err != nil {
		return nil, err
	}
	s.feed.Add(*t)
	slog.Info("[Touch] sent", "touch", t.ID, "intensity", t.Intensity)
	return t, nil
}

// Refresh fetches the latest page of history and merges it into the feed.
func (s *Service) Refresh(ctx context.Context, partnershipID string) ([]model.Touch, error) {
	page, err := s.repo.ListTouches(ctx, partnershipID, s.limit)
	if err != nil {
		return nil, err
	}
	s.feed.Merge(page)
	return s.feed.All(), nil
}

// MarkRead marks a received touch read remotely, then flips the cached
// copy without refetching.
func (s *Service) MarkRead(ctx context.Context, touchID, receiverID string) error {
	const op = "touch.mark_read"

	if strings.TrimSpace(touchID) == "" {
		return apperr.E(apperr.InvalidInput, op, errors.New("touch id is required"))
	}
	if t, ok := s.feed.Get(touchID); ok && t.ReceiverID != receiverID {
		return apperr.E(apperr.InvalidInput, op, errors.New("only the receiver can mark a touch read"))
	}
	at, err := s.repo.MarkTouchRead(ctx, touchID, receiverID)
	if err != nil {
		return err
	}
	s.feed.MarkRead(touchID, at)
	return nil
}

// Watch subscribes to touches inserted into partnershipID and adds them
// to the feed until ctx ends. onTouch, if set, runs once per new touch;
// duplicate deliveries are dropped. onJoined runs when the subscription
// is live.
func (s *Service) Watch(ctx context.Context, accessToken, partnershipID string, onJoined func(), onTouch func(model.Touch)) error {
	const op = "touch.watch"

	if s.sub == nil {
		return apperr.E(apperr.Internal, op, errors.New("realtime is not configured"))
	}
	if partnershipID == "" {
		return apperr.E(apperr.NoPartner, op, nil)
	}

	sub := realtime.Subscription{
		Table:  tableTouches,
		Event:  "INSERT",
		Filter: "partnership_id=eq." + partnershipID,
	}
	err := s.sub.Subscribe(ctx, accessToken, sub, onJoined, func(ch realtime.Change) {
		var t model.Touch
		if err := ch.Decode(&t); err != nil {
			slog.Warn("[Touch] dropping undecodable change", "error", err)
			return
		}
		if t.PartnershipID != partnershipID {
			return
		}
		if !s.feed.Add(t) {
			slog.Debug("[Touch] duplicate delivery", "touch", t.ID)
			return
		}
		slog.Info("[Touch] received", "touch", t.ID, "intensity", t.Intensity)
		if onTouch != nil {
			onTouch(t)
		}
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, realtime.ErrJoinRejected) {
		return apperr.E(apperr.NotSignedIn, op, err)
	}
	return apperr.E(apperr.NetworkUnavailable, op, err)
}

func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	switch verrs[0].Field() {
	case "Intensity":
		return fmt.Errorf("intensity must be between %d and %d", model.MinIntensity, model.MaxIntensity)
	case "Message":
		return errors.New("message is too long")
	}
	return errors.New(verrs[0].Error())
}
