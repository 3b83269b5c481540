package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// User owns rules and carries broker credentials plus notification config.
// The engine never persists runtime values (tokens, account snapshots); those
// live in process-local caches only.
type User struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Username string `gorm:"type:varchar(64);not null;uniqueIndex" json:"username"`
	// Password is a bcrypt hash; never returned by the admin API.
	Password string `gorm:"type:varchar(100);not null" json:"-"`
	Role     string `gorm:"type:varchar(20);not null;default:'user'" json:"role"`

	BrokerConfig datatypes.JSON `gorm:"type:jsonb" json:"broker_config,omitempty"`
	EmailConfig  datatypes.JSON `gorm:"type:jsonb" json:"email_config,omitempty"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

// BrokerCredentials is the decoded shape of User.BrokerConfig. Password is
// AES-GCM encrypted at rest and decrypted just before authentication.
type BrokerCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
}

// EmailSettings is the decoded shape of User.EmailConfig.
type EmailSettings struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	ToEmail  string `json:"to_email"`
}

func (u User) BrokerCredentials() (BrokerCredentials, error) {
	var creds BrokerCredentials
	if len(u.BrokerConfig) == 0 {
		return creds, nil
	}
	err := json.Unmarshal(u.BrokerConfig, &creds)
	return creds, err
}

func (u User) EmailSettings() (EmailSettings, error) {
	var settings EmailSettings
	if len(u.EmailConfig) == 0 {
		return settings, nil
	}
	err := json.Unmarshal(u.EmailConfig, &settings)
	return settings, err
}
