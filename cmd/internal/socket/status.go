package socket

// MessageStatus is the delivery status of a message.
type MessageStatus int

const (
	StatusError MessageStatus = iota
	StatusPending
	StatusServerAck
	StatusDeliveryAck
	StatusRead
	StatusPlayed
)

var statusText = [...]string{
	StatusError:       "ERROR",
	StatusPending:     "PENDING",
	StatusServerAck:   "SERVER_ACK",
	StatusDeliveryAck: "DELIVERY_ACK",
	StatusRead:        "READ",
	StatusPlayed:      "PLAYED",
}

// String returns the readable status name, or "UNKNOWN".
func (s MessageStatus) String() string {
	if s < 0 || int(s) >= len(statusText) {
		return "UNKNOWN"
	}
	return statusText[s]
}
