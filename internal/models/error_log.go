package models

import "time"

// ErrorLogEntry is one append-only record of a terminal fetch failure
type ErrorLogEntry struct {
	ID             int64     `json:"id" db:"id"`
	AccountID      string    `json:"accountId" db:"account_id"`
	AttemptID      string    `json:"attemptId" db:"attempt_id"`
	RawMessage     string    `json:"rawMessage" db:"raw_message"`
	Classification string    `json:"classification" db:"classification"`
	RetryCount     int       `json:"retryCount" db:"retry_count"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}
