package idempotency

import "time"

// Status values for idempotency records
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusComplete   Status = "COMPLETE"
)

// Response is the serialized result replayed to duplicate callers.
type Response struct {
	StatusCode int    `dynamodbav:"status_code" json:"status_code"`
	Body       string `dynamodbav:"body" json:"body"`
}

// Record is the persisted idempotency unit. Response is set iff Status is COMPLETE.
type Record struct {
	Key       string    `dynamodbav:"idempotency_key" json:"key"` // PK
	Status    Status    `dynamodbav:"status" json:"status"`
	Owner     string    `dynamodbav:"owner" json:"owner"` // token of the attempt holding the slot
	Response  *Response `dynamodbav:"response,omitempty" json:"response,omitempty"`
	CreatedAt time.Time `dynamodbav:"created_at" json:"created_at"`
	ExpiresAt int64     `dynamodbav:"expires_at" json:"expires_at"` // TTL epoch seconds
}

// Expired reports whether the record is logically absent at now.
func (r Record) Expired(now time.Time) bool {
	return now.Unix() >= r.ExpiresAt
}

// Outcome is the result of TryInsertInProgress. When Inserted is false,
// Record is the live record that blocked the insert.
type Outcome struct {
	Inserted bool
	Record   Record
}

// expiryEpoch returns now+ttl in epoch seconds, rounded up so a record is
// never considered expired before its full ttl has elapsed.
func expiryEpoch(now time.Time, ttl time.Duration) int64 {
	at := now.Add(ttl)
	secs := at.Unix()
	if at.Nanosecond() > 0 {
		secs++
	}
	return secs
}
