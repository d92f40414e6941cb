package model

// Fingerprint identifies one logical inbound message across however many
// times the platform delivers it.
type Fingerprint string

type DeliveryStatus int

const (
	DeliveryStatusPending DeliveryStatus = iota
	DeliveryStatusCompleted
	DeliveryStatusDelivered
	DeliveryStatusExpired
)
