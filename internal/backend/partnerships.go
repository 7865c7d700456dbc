package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	postgrest "github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"

	"github.com/chaz8081/longing-touch/internal/apperr"
	"github.com/chaz8081/longing-touch/internal/model"
)

// partnershipColumns joins both member profiles through their foreign keys.
const partnershipColumns = "*," +
	"user1_profile:profiles!partnerships_user1_id_fkey(" + profileColumns + ")," +
	"user2_profile:profiles!partnerships_user2_id_fkey(" + profileColumns + ")"

type partnershipInsert struct {
	User1ID    string     `json:"user1_id"`
	User2ID    string     `json:"user2_id"`
	Status     string     `json:"status"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
}

// memberFilter matches partnerships that include userID on either side.
func memberFilter(userID string) string {
	return fmt.Sprintf("user1_id.eq.%s,user2_id.eq.%s", userID, userID)
}

// pairFilter matches the partnership between a and b in either direction.
func pairFilter(a, b string) string {
	return fmt.Sprintf("and(user1_id.eq.%s,user2_id.eq.%s),and(user1_id.eq.%s,user2_id.eq.%s)", a, b, b, a)
}

// CreatePartnership links selfID with otherID. Linking an account with
// itself fails with apperr.PartnerIsSelf without contacting the backend;
// an existing link in either direction fails with
// apperr.DuplicatePartnership.
func (c *Client) CreatePartnership(ctx context.Context, selfID, otherID, status string) (*model.Partnership, error) {
	const op = "backend.create_partnership"

	if selfID == otherID {
		return nil, apperr.E(apperr.PartnerIsSelf, op, nil)
	}
	if status != model.StatusPending && status != model.StatusAccepted {
		return nil, apperr.E(apperr.InvalidInput, op, fmt.Errorf("unknown status %q", status))
	}

	existing, err := call(ctx, c, func(sb *supabase.Client) ([]model.Partnership, error) {
		var rows []model.Partnership
		_, err := sb.From(tablePartnerships).
			Select("id", "", false).
			Or(pairFilter(selfID, otherID), "").
			Limit(1, "").
			ExecuteTo(&rows)
		return rows, err
	})
	if err != nil {
		return nil, tableErr(op, err)
	}
	if len(existing) > 0 {
		return nil, apperr.E(apperr.DuplicatePartnership, op, nil)
	}

	row := partnershipInsert{User1ID: selfID, User2ID: otherID, Status: status}
	if status == model.StatusAccepted {
		now := time.Now().UTC()
		row.AcceptedAt = &now
	}

	created, err := call(ctx, c, func(sb *supabase.Client) ([]model.Partnership, error) {
		var rows []model.Partnership
		_, err := sb.From(tablePartnerships).
			Insert(row, false, "", "representation", "").
			ExecuteTo(&rows)
		return rows, err
	})
	if err != nil {
		return nil, tableErr(op, err)
	}
	if len(created) == 0 {
		return nil, apperr.E(apperr.Internal, op, errors.New("insert returned no row"))
	}
	return &created[0], nil
}

// CurrentPartnership returns the accepted partnership of userID with both
// profiles joined and Partner resolved, or nil when there is none.
func (c *Client) CurrentPartnership(ctx context.Context, userID string) (*model.Partnership, error) {
	const op = "backend.current_partnership"

	rows, err := call(ctx, c, func(sb *supabase.Client) ([]model.Partnership, error) {
		var rows []model.Partnership
		_, err := sb.From(tablePartnerships).
			Select(partnershipColumns, "", false).
			Or(memberFilter(userID), "").
			Eq("status", model.StatusAccepted).
			Order("created_at", &postgrest.OrderOpts{Ascending: false}).
			Limit(1, "").
			ExecuteTo(&rows)
		return rows, err
	})
	if err != nil {
		return nil, tableErr(op, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	p := rows[0]
	p.ResolvePartner(userID)
	return &p, nil
}

// PendingPartnerships returns the pending invitations addressed to userID.
func (c *Client) PendingPartnerships(ctx context.Context, userID string) ([]model.Partnership, error) {
	const op = "backend.pending_partnerships"

	rows, err := call(ctx, c, func(sb *supabase.Client) ([]model.Partnership, error) {
		var rows []model.Partnership
		_, err := sb.From(tablePartnerships).
			Select(partnershipColumns, "", false).
			Eq("user2_id", userID).
			Eq("status", model.StatusPending).
			Order("created_at", &postgrest.OrderOpts{Ascending: false}).
			ExecuteTo(&rows)
		return rows, err
	})
	if err != nil {
		return nil, tableErr(op, err)
	}
	for i := range rows {
		rows[i].ResolvePartner(userID)
	}
	return rows, nil
}

// AcceptPartnership accepts a pending invitation addressed to userID.
func (c *Client) AcceptPartnership(ctx context.Context, id, userID string) (*model.Partnership, error) {
	const op = "backend.accept_partnership"

	update := map[string]interface{}{
		"status":      model.StatusAccepted,
		"accepted_at": time.Now().UTC(),
	}
	rows, err := call(ctx, c, func(sb *supabase.Client) ([]model.Partnership, error) {
		var rows []model.Partnership
		_, err := sb.From(tablePartnerships).
			Update(update, "representation", "").
			Eq("id", id).
			Eq("user2_id", userID).
			Eq("status", model.StatusPending).
			ExecuteTo(&rows)
		return rows, err
	})
	if err != nil {
		return nil, tableErr(op, err)
	}
	if len(rows) == 0 {
		return nil, apperr.E(apperr.NotFound, op, nil)
	}
	return &rows[0], nil
}

// DeletePartnership removes a partnership. Deleting an id that does not
// exist (or is not visible to the caller) reports apperr.NotFound.
func (c *Client) DeletePartnership(ctx context.Context, id string) error {
	const op = "backend.delete_partnership"

	rows, err := call(ctx, c, func(sb *supabase.Client) ([]model.Partnership, error) {
		var rows []model.Partnership
		_, err := sb.From(tablePartnerships).
			Delete("representation", "").
			Eq("id", id).
			ExecuteTo(&rows)
		return rows, err
	})
	if err != nil {
		return tableErr(op, err)
	}
	if len(rows) == 0 {
		return apperr.E(apperr.NotFound, op, nil)
	}
	return nil
}
