package domain

import "time"

// LinkSession is a pending attempt by a user to bind a chat identity to their
// account. A user has at most one live session and no two live sessions share
// a code. Sessions are never updated in place: a new attempt replaces the old.
type LinkSession struct {
	SessionID            string    `json:"id" dynamodbav:"session_id" gorm:"column:session_id;primaryKey;size:26"`
	UserID               string    `json:"user_id" dynamodbav:"user_id" gorm:"column:user_id;size:64;uniqueIndex;not null"`
	Code                 string    `json:"code" dynamodbav:"code" gorm:"column:code;size:8;uniqueIndex;not null"`
	ExternalIdentityHint *string   `json:"external_identity_hint,omitempty" dynamodbav:"external_identity_hint,omitempty" gorm:"column:external_identity_hint;size:64"`
	ExpiresAt            time.Time `json:"expires_at" dynamodbav:"expires_at,unixtime" gorm:"column:expires_at;index;not null"`
	CreatedAt            time.Time `json:"created" dynamodbav:"created_at" gorm:"column:created_at"`
}

func (LinkSession) TableName() string { return "link_sessions" }

// Expired reports whether the session can no longer be matched at now.
func (s *LinkSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// InboundMessage is one update read from the messaging provider's feed.
// Offsets increase monotonically across the feed.
type InboundMessage struct {
	Offset         int64
	SenderIdentity string
	Text           string
}

const (
	LinkEventLinked   = "account.linked"
	LinkEventUnlinked = "account.unlinked"
)

// LinkEvent is published after an account's chat identity changes.
type LinkEvent struct {
	Type             string    `json:"type"`
	UserID           string    `json:"user_id"`
	ExternalIdentity string    `json:"external_identity"`
	OccurredAt       time.Time `json:"occurred_at"`
}
