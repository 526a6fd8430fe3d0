package events

import "fmt"

// Kind enumerates event kinds.
type Kind int

const (
	KindQR Kind = iota + 1
	KindPairingCode
	KindConnecting
	KindConnected
	KindDisconnected
	KindMessageReceived
	KindMessageUpdated
	KindGroupMemberUpdated
)

var kindNames = map[Kind]string{
	KindQR:                 "qr",
	KindPairingCode:        "pairing_code",
	KindConnecting:         "connecting",
	KindConnected:          "connected",
	KindDisconnected:       "disconnected",
	KindMessageReceived:    "message_received",
	KindMessageUpdated:     "message_updated",
	KindGroupMemberUpdated: "group_member_updated",
}

// Kinds returns every kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindQR, KindPairingCode, KindConnecting, KindConnected,
		KindDisconnected, KindMessageReceived, KindMessageUpdated, KindGroupMemberUpdated,
	}
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("events: unknown kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("events: unknown kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}
