// Package model holds the remote-owned record types shared by the backend,
// session, partner and touch packages. Field tags follow the column names of
// the hosted tables.
package model

import "time"

// Partnership statuses.
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
)

// Intensity bounds for a touch.
const (
	MinIntensity = 1
	MaxIntensity = 5
)

// Profile is the public account record in the profiles table.
type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Partnership links exactly two accounts.
type Partnership struct {
	ID         string     `json:"id"`
	User1ID    string     `json:"user1_id"`
	User2ID    string     `json:"user2_id"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`

	User1Profile *Profile `json:"user1_profile,omitempty"`
	User2Profile *Profile `json:"user2_profile,omitempty"`

	// Partner is the counterpart's profile as seen by the viewing account.
	Partner *Profile `json:"-"`
}

// Counterpart returns the member ID that is not userID.
func (p *Partnership) Counterpart(userID string) string {
	if p.User1ID == userID {
		return p.User2ID
	}
	return p.User1ID
}

// Has reports whether userID is a member.
func (p *Partnership) Has(userID string) bool {
	return p.User1ID == userID || p.User2ID == userID
}

// ResolvePartner fills Partner from the joined profiles for viewer.
func (p *Partnership) ResolvePartner(viewer string) {
	if p.User1ID == viewer {
		p.Partner = p.User2Profile
	} else {
		p.Partner = p.User1Profile
	}
}

// Touch is one intensity-rated notification between partners.
type Touch struct {
	ID            string     `json:"id"`
	SenderID      string     `json:"sender_id"`
	ReceiverID    string     `json:"receiver_id"`
	PartnershipID string     `json:"partnership_id"`
	Intensity     int        `json:"intensity"`
	Message       string     `json:"message,omitempty"`
	SentAt        time.Time  `json:"sent_at"`
	ReceivedAt    *time.Time `json:"received_at,omitempty"`
	IsRead        bool       `json:"is_read"`
}

// NewTouch is the insert payload for a touch. The store fills id, sent_at
// and is_read.
type NewTouch struct {
	SenderID      string `json:"sender_id" validate:"required"`
	ReceiverID    string `json:"receiver_id" validate:"required,nefield=SenderID"`
	PartnershipID string `json:"partnership_id" validate:"required"`
	Intensity     int    `json:"intensity" validate:"min=1,max=5"`
	Message       string `json:"message,omitempty" validate:"max=280"`
}

// Identity is the signed-in account.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Session is the persisted sign-in state.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         Identity  `json:"user"`
}
