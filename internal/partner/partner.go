// Package partner links two accounts into a partnership. By default a link
// is accepted on creation; with RequireAcceptance the invitee has to
// accept a pending request first. Watch keeps the cached partnership in
// step with changes made from the other side.
package partner

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/longing-touch/internal/apperr"
	"github.com/chaz8081/longing-touch/internal/model"
	"github.com/chaz8081/longing-touch/internal/realtime"
)

const tablePartnerships = "partnerships"

// memberColumns are the columns that can name a member. A realtime filter
// matches one column, so Watch subscribes once per column.
var memberColumns = []string{"user1_id", "user2_id"}

// Repository is the remote partnership store.
type Repository interface {
	FindAccountByEmail(ctx context.Context, email string) (*model.Profile, error)
	CreatePartnership(ctx context.Context, selfID, otherID, status string) (*model.Partnership, error)
	CurrentPartnership(ctx context.Context, userID string) (*model.Partnership, error)
	PendingPartnerships(ctx context.Context, userID string) ([]model.Partnership, error)
	AcceptPartnership(ctx context.Context, id, userID string) (*model.Partnership, error)
	DeletePartnership(ctx context.Context, id string) error
}

// Subscriber streams row changes.
type Subscriber interface {
	Subscribe(ctx context.Context, accessToken string, sub realtime.Subscription, onJoined func(), handler func(realtime.Change)) error
}

// Service manages the signed-in account's partnership and caches the
// accepted one.
type Service struct {
	repo              Repository
	sub               Subscriber
	requireAcceptance bool

	mu      sync.Mutex
	current *model.Partnership
}

// NewService creates a partnership service. sub may be nil when live
// updates are not needed.
func NewService(repo Repository, sub Subscriber, requireAcceptance bool) *Service {
	return &Service{repo: repo, sub: sub, requireAcceptance: requireAcceptance}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Link creates a partnership between self and the account registered with
// email. Naming one's own address fails with PartnerIsSelf before any
// remote call.
func (s *Service) Link(ctx context.Context, self model.Identity, email string) (*model.Partnership, error) {
	const op = "partner.link"

	email = normalizeEmail(email)
	if email == "" {
		return nil, apperr.E(apperr.InvalidInput, op, errors.New("partner email is required"))
	}
	if self.ID == "" {
		return nil, apperr.E(apperr.NotSignedIn, op, nil)
	}
	if email == normalizeEmail(self.Email) {
		return nil, apperr.E(apperr.PartnerIsSelf, op, nil)
	}

	profile, err := s.repo.FindAccountByEmail(ctx, email)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return nil, apperr.E(apperr.PartnerNotFound, op, err)
		}
		return nil, err
	}
	if profile.ID == self.ID {
		return nil, apperr.E(apperr.PartnerIsSelf, op, nil)
	}

	status := model.StatusAccepted
	if s.requireAcceptance {
		status = model.StatusPending
	}
	p, err := s.repo.CreatePartnership(ctx, self.ID, profile.ID, status)
	if err != nil {
		return nil, err
	}
	p.Partner = profile

	slog.Info("[Partner] linked", "partnership", p.ID, "partner", profile.ID, "status", p.Status)
	if p.Status == model.StatusAccepted {
		s.setCurrent(p)
	}
	return clone(p), nil
}

// Current returns the accepted partnership of userID, fetching it when not
// cached. It returns nil when there is none.
func (s *Service) Current(ctx context.Context, userID string) (*model.Partnership, error) {
	s.mu.Lock()
	cached := clone(s.current)
	s.mu.Unlock()
	if cached != nil && cached.Has(userID) {
		cached.ResolvePartner(userID)
		return cached, nil
	}
	return s.Reload(ctx, userID)
}

// Reload fetches the accepted partnership of userID, replacing the cache.
func (s *Service) Reload(ctx context.Context, userID string) (*model.Partnership, error) {
	if userID == "" {
		return nil, apperr.E(apperr.NotSignedIn, "partner.current", nil)
	}
	p, err := s.repo.CurrentPartnership(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.setCurrent(p)
	return clone(p), nil
}

// Pending lists requests waiting for userID to accept.
func (s *Service) Pending(ctx context.Context, userID string) ([]model.Partnership, error) {
	if userID == "" {
		return nil, apperr.E(apperr.NotSignedIn, "partner.pending", nil)
	}
	return s.repo.PendingPartnerships(ctx, userID)
}

// Accept accepts a pending request addressed to userID.
func (s *Service) Accept(ctx context.Context, userID, partnershipID string) (*model.Partnership, error) {
	const op = "partner.accept"

	if userID == "" {
		return nil, apperr.E(apperr.NotSignedIn, op, nil)
	}
	if strings.TrimSpace(partnershipID) == "" {
		return nil, apperr.E(apperr.InvalidInput, op, errors.New("partnership id is required"))
	}
	p, err := s.repo.AcceptPartnership(ctx, partnershipID, userID)
	if err != nil {
		return nil, err
	}
	slog.Info("[Partner] accepted", "partnership", p.ID)

	// The accepted row comes back without the joined profiles.
	full, err := s.Reload(ctx, userID)
	if err != nil {
		slog.Warn("[Partner] reload after accept failed", "error", err)
		s.setCurrent(p)
		return clone(p), nil
	}
	if full == nil || full.ID != p.ID {
		s.setCurrent(p)
		return clone(p), nil
	}
	return full, nil
}

// Unlink removes the accepted partnership of userID. NoPartner is
// returned when there is none.
func (s *Service) Unlink(ctx context.Context, userID string) error {
	const op = "partner.unlink"

	p, err := s.Current(ctx, userID)
	if err != nil {
		return err
	}
	if p == nil {
		return apperr.E(apperr.NoPartner, op, nil)
	}
	if err := s.repo.DeletePartnership(ctx, p.ID); err != nil {
		if apperr.Is(err, apperr.NotFound) {
			// Already gone remotely.
			s.setCurrent(nil)
		}
		return err
	}
	slog.Info("[Partner] unlinked", "partnership", p.ID)
	s.setCurrent(nil)
	return nil
}

// Watch follows changes to every partnership of userID until ctx ends and
// reloads the accepted one after each change, so that an unlink or an
// acceptance made elsewhere reaches the cache. onChange, if set, receives
// the reloaded partnership, nil once there is none. onJoined, if set,
// runs once both subscriptions are live.
func (s *Service) Watch(ctx context.Context, accessToken, userID string, onJoined func(), onChange func(*model.Partnership)) error {
	const op = "partner.watch"

	if s.sub == nil {
		return apperr.E(apperr.Internal, op, errors.New("realtime is not configured"))
	}
	if userID == "" {
		return apperr.E(apperr.NotSignedIn, op, nil)
	}

	g, gctx := errgroup.WithContext(ctx)

	var pending atomic.Int32
	pending.Store(int32(len(memberColumns)))
	joined := func() {
		if pending.Add(-1) == 0 && onJoined != nil {
			onJoined()
		}
	}

	// Changes on both channels reload one at a time.
	var reloadMu sync.Mutex
	handle := func(ch realtime.Change) {
		reloadMu.Lock()
		defer reloadMu.Unlock()

		p, err := s.Reload(gctx, userID)
		if err != nil {
			slog.Warn("[Partner] reload after change failed", "change", ch.Type, "error", err)
			return
		}
		slog.Info("[Partner] partnership changed", "change", ch.Type, "linked", p != nil)
		if onChange != nil {
			onChange(p)
		}
	}

	for _, col := range memberColumns {
		sub := realtime.Subscription{
			Table:   tablePartnerships,
			Event:   "*",
			Filter:  col + "=eq." + userID,
			Channel: tablePartnerships + "-" + col,
		}
		g.Go(func() error {
			return s.sub.Subscribe(gctx, accessToken, sub, joined, handle)
		})
	}

	err := g.Wait()
	if err == nil {
		return nil
	}
	if errors.Is(err, realtime.ErrJoinRejected) {
		return apperr.E(apperr.NotSignedIn, op, err)
	}
	return apperr.E(apperr.NetworkUnavailable, op, err)
}

// Reset drops the cached partnership.
func (s *Service) Reset() {
	s.setCurrent(nil)
}

func (s *Service) setCurrent(p *model.Partnership) {
	s.mu.Lock()
	s.current = clone(p)
	s.mu.Unlock()
}

func clone(p *model.Partnership) *model.Partnership {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
