package order

import "time"

// ProviderEvent is a provider callback as received, keyed by (Provider, EventID).
type ProviderEvent struct {
	Provider    Provider   `db:"provider"`
	EventID     string     `db:"event_id"`
	OrderID     string     `db:"order_id"`
	EventType   string     `db:"event_type"`
	Payload     []byte     `db:"payload"`
	ReceivedAt  time.Time  `db:"received_at"`
	ProcessedAt *time.Time `db:"processed_at"`
}
