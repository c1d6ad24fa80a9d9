package domain

import "time"

// User is the slice of the account entity the linking flow reads and writes.
// ExternalIdentity is globally unique and nil until a chat identity is linked.
type User struct {
	UserID           string    `json:"id" dynamodbav:"user_id" gorm:"column:user_id;primaryKey;size:64"`
	Username         string    `json:"username" dynamodbav:"username" gorm:"column:username;size:255"`
	Email            string    `json:"email" dynamodbav:"email" gorm:"column:email;size:255"`
	ExternalIdentity *string   `json:"external_identity" dynamodbav:"external_identity,omitempty" gorm:"column:external_identity;size:64;uniqueIndex"`
	Enable           int       `json:"enable" dynamodbav:"enable" gorm:"column:enable;default:1"`
	CreatedAt        time.Time `json:"created" dynamodbav:"created_at" gorm:"column:created_at"`
	UpdatedAt        time.Time `json:"updated" dynamodbav:"updated_at" gorm:"column:updated_at"`
}

func (User) TableName() string { return "users" }
