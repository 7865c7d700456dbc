package backend

import (
	"context"
	"errors"
	"strings"

	"github.com/supabase-community/supabase-go"

	"github.com/chaz8081/longing-touch/internal/apperr"
	"github.com/chaz8081/longing-touch/internal/model"
)

const profileColumns = "id,name,email,avatar_url,created_at"

// likeEscaper escapes the pattern characters of a LIKE value.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// FindAccountByEmail looks up a profile by email address. The address is
// trimmed and matched case-insensitively. A missing account is reported
// with apperr.NotFound.
func (c *Client) FindAccountByEmail(ctx context.Context, email string) (*model.Profile, error) {
	const op = "backend.find_account_by_email"

	email = strings.TrimSpace(email)
	if email == "" {
		return nil, apperr.E(apperr.InvalidInput, op, errors.New("email is empty"))
	}

	rows, err := call(ctx, c, func(sb *supabase.Client) ([]model.Profile, error) {
		var rows []model.Profile
		_, err := sb.From(tableProfiles).
			Select(profileColumns, "", false).
			Ilike("email", likeEscaper.Replace(email)).
			Limit(1, "").
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

// Profile returns the profile of userID.
func (c *Client) Profile(ctx context.Context, userID string) (*model.Profile, error) {
	const op = "backend.profile"

	rows, err := call(ctx, c, func(sb *supabase.Client) ([]model.Profile, error) {
		var rows []model.Profile
		_, err := sb.From(tableProfiles).
			Select(profileColumns, "", false).
			Eq("id", userID).
			Limit(1, "").
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
