package socket

import (
	"strings"
	"unicode"
)

const (
	UserServer      = "s.whatsapp.net"
	GroupServer     = "g.us"
	StatusBroadcast = "status@broadcast"
)

var phoneNoise = strings.NewReplacer(" ", "", "\t", "", "+", "", "-", "", "(", "", ")", "")

// PhoneToJID turns a phone number or group id into a JID. Values that already carry
// the expected server suffix are only stripped of formatting characters.
func PhoneToJID(to string, isGroup bool) string {
	n := phoneNoise.Replace(strings.TrimSpace(to))
	if n == "" {
		return ""
	}
	suffix := "@" + UserServer
	if isGroup {
		suffix = "@" + GroupServer
	}
	if strings.Contains(n, suffix) {
		return n
	}
	return n + suffix
}

// NormalizePhone strips formatting characters and requires the rest to be digits.
func NormalizePhone(phone string) (string, error) {
	n := phoneNoise.Replace(strings.TrimSpace(phone))
	if len(n) < 5 || len(n) > 20 {
		return "", ErrInvalidPhone
	}
	for _, r := range n {
		if !unicode.IsDigit(r) || r > unicode.MaxASCII {
			return "", ErrInvalidPhone
		}
	}
	return n, nil
}

// IsGroupJID reports whether jid addresses a group chat.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@"+GroupServer)
}

// IsStatusBroadcast reports whether jid is the status (story) broadcast list.
func IsStatusBroadcast(jid string) bool {
	return jid == StatusBroadcast
}

// UserPhone returns the phone part of a user or device JID
// ("628123:12@s.whatsapp.net" -> "628123").
func UserPhone(id string) string {
	id, _, _ = strings.Cut(id, "@")
	id, _, _ = strings.Cut(id, ":")
	return id
}

// OwnJID is the user JID of the account a socket is logged in as.
func OwnJID(u User) string {
	return PhoneToJID(UserPhone(u.ID), false)
}
