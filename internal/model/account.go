package model

import "time"

// AccountConfig holds the persisted identity and credentials for one relay account.
type AccountConfig struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Token     string    `json:"token,omitempty"`
	CredsFile string    `json:"creds_file,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// AccountStatus is the mutable health and load record for one pooled account.
// CurrentLoad counts in-flight work units and is never negative; NextAvailable
// is set only while the account is cooling down from a provider rate limit.
type AccountStatus struct {
	ID                string     `json:"id"`
	Username          string     `json:"username"`
	IsActive          bool       `json:"is_active"`
	IsConnected       bool       `json:"is_connected"`
	CurrentLoad       int        `json:"current_load"`
	MessagesProcessed int64      `json:"messages_processed"`
	ErrorCount        int64      `json:"error_count"`
	LastUsed          *time.Time `json:"last_used,omitempty"`
	NextAvailable     *time.Time `json:"next_available,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
}

// Selectable reports whether the account may be handed out at the given time.
func (s *AccountStatus) Selectable(now time.Time) bool {
	if !s.IsActive || !s.IsConnected {
		return false
	}
	return s.NextAvailable == nil || !now.Before(*s.NextAvailable)
}

// CoolingDown reports whether the account is inside a rate-limit window.
func (s *AccountStatus) CoolingDown(now time.Time) bool {
	return s.NextAvailable != nil && now.Before(*s.NextAvailable)
}

// HealthSummary is an aggregate view over the whole account pool.
type HealthSummary struct {
	TotalAccounts        int     `json:"total_accounts"`
	ActiveAccounts       int     `json:"active_accounts"`
	ConnectedAccounts    int     `json:"connected_accounts"`
	DisconnectedAccounts int     `json:"disconnected_accounts"`
	TotalLoad            int     `json:"total_current_load"`
	AvgLoadPerActive     float64 `json:"average_load_per_account"`
	HealthPct            float64 `json:"health_percentage"`
}
