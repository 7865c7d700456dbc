package backend

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	postgrest "github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"

	"github.com/chaz8081/longing-touch/internal/apperr"
	"github.com/chaz8081/longing-touch/internal/model"
)

// DefaultTouchLimit is the history page size when none is given.
const DefaultTouchLimit = 50

// InsertTouch records a touch. The payload is validated before anything is
// sent; an out-of-range intensity fails with apperr.InvalidInput.
func (c *Client) InsertTouch(ctx context.Context, t model.NewTouch) (*model.Touch, error) {
	const op = "backend.insert_touch"

	if err := c.validate.Struct(t); err != nil {
		return nil, apperr.E(apperr.InvalidInput, op, describeValidation(err))
	}

	rows, err := call(ctx, c, func(sb *supabase.Client) ([]model.Touch, error) {
		var rows []model.Touch
		_, err := sb.From(tableTouches).
			Insert(t, false, "", "representation", "").
			ExecuteTo(&rows)
		return rows, err
	})
	if err != nil {
		return nil, tableErr(op, err)
	}
	if len(rows) == 0 {
		return nil, apperr.E(apperr.Internal, op, errors.New("insert returned no row"))
	}
	return &rows[0], nil
}

// ListTouches returns the most recent touches of a partnership, newest
// first. limit <= 0 means DefaultTouchLimit.
func (c *Client) ListTouches(ctx context.Context, partnershipID string, limit int) ([]model.Touch, error) {
	const op = "backend.list_touches"

	if limit <= 0 {
		limit = DefaultTouchLimit
	}
	rows, err := call(ctx, c, func(sb *supabase.Client) ([]model.Touch, error) {
		var rows []model.Touch
		_, err := sb.From(tableTouches).
			Select("*", "", false).
			Eq("partnership_id", partnershipID).
			Order("sent_at", &postgrest.OrderOpts{Ascending: false}).
			Limit(limit, "").
			ExecuteTo(&rows)
		return rows, err
	})
	if err != nil {
		return nil, tableErr(op, err)
	}
	return rows, nil
}

// MarkTouchRead sets the read flag and received time of a touch addressed
// to receiverID and returns the received time. A touch that does not
// exist or was sent to someone else reports apperr.NotFound.
func (c *Client) MarkTouchRead(ctx context.Context, touchID, receiverID string) (time.Time, error) {
	const op = "backend.mark_touch_read"

	now := time.Now().UTC()
	update := map[string]interface{}{"is_read": true, "received_at": now}
	rows, err := call(ctx, c, func(sb *supabase.Client) ([]model.Touch, error) {
		var rows []model.Touch
		_, err := sb.From(tableTouches).
			Update(update, "representation", "").
			Eq("id", touchID).
			Eq("receiver_id", receiverID).
			ExecuteTo(&rows)
		return rows, err
	})
	if err != nil {
		return time.Time{}, tableErr(op, err)
	}
	if len(rows) == 0 {
		return time.Time{}, apperr.E(apperr.NotFound, op, nil)
	}
	if rows[0].ReceivedAt != nil {
		return *rows[0].ReceivedAt, nil
	}
	return now, nil
}

// describeValidation turns validator output into a short message.
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	switch fe.Field() {
	case "Intensity":
		return errors.New("intensity must be between 1 and 5")
	case "Message":
		return errors.New("message is too long")
	case "ReceiverID":
		if fe.Tag() == "nefield" {
			return errors.New("cannot send a touch to yourself")
		}
	}
	return errors.New(fe.Error())
}
