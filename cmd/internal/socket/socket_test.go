package socket

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestPhoneToJID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		to      string
		isGroup bool
		want    string
	}{
		{to: "+62 812-3456-7890", want: "6281234567890@s.whatsapp.net"},
		{to: "6281234567890@s.whatsapp.net", want: "6281234567890@s.whatsapp.net"},
		{to: "120363025246125486", isGroup: true, want: "120363025246125486@g.us"},
		{to: "120363025246125486@g.us", isGroup: true, want: "120363025246125486@g.us"},
		{to: "  ", want: ""},
	}
	for _, tc := range cases {
		if got := PhoneToJID(tc.to, tc.isGroup); got != tc.want {
			t.Fatalf("PhoneToJID(%q,%v)=%q want=%q", tc.to, tc.isGroup, got, tc.want)
		}
	}
}

func TestNormalizePhone(t *testing.T) {
	t.Parallel()

	if got, err := NormalizePhone("+62 (812) 3456-7890"); err != nil || got != "6281234567890" {
		t.Fatalf("NormalizePhone=(%q,%v)", got, err)
	}
	for _, bad := range []string{"", "123", "62812abc", "٦٢٨١٢٣٤٥٦٧"} {
		if _, err := NormalizePhone(bad); !errors.Is(err, ErrInvalidPhone) {
			t.Fatalf("NormalizePhone(%q) err=%v want ErrInvalidPhone", bad, err)
		}
	}
}

func TestJIDHelpers(t *testing.T) {
	t.Parallel()

	if !IsGroupJID("123@g.us") || IsGroupJID("123@s.whatsapp.net") {
		t.Fatalf("IsGroupJID mismatch")
	}
	if !IsStatusBroadcast("status@broadcast") || IsStatusBroadcast("123@broadcast") {
		t.Fatalf("IsStatusBroadcast mismatch")
	}
	if got := UserPhone("628123:12@s.whatsapp.net"); got != "628123" {
		t.Fatalf("UserPhone=%q", got)
	}
	if got := UserPhone("628123@s.whatsapp.net"); got != "628123" {
		t.Fatalf("UserPhone=%q", got)
	}
	if got := OwnJID(User{ID: "628123:12@s.whatsapp.net"}); got != "628123@s.whatsapp.net" {
		t.Fatalf("OwnJID=%q", got)
	}
}

func TestMessageStatusString(t *testing.T) {
	t.Parallel()

	want := []string{"ERROR", "PENDING", "SERVER_ACK", "DELIVERY_ACK", "READ", "PLAYED"}
	for i, w := range want {
		if got := MessageStatus(i).String(); got != w {
			t.Fatalf("status %d=%q want=%q", i, got, w)
		}
	}
	if got := MessageStatus(42).String(); got != "UNKNOWN" {
		t.Fatalf("unknown status=%q", got)
	}
}

func TestMessageMediaMimeType(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content string
		want    string
	}{
		{name: "text", content: `{"conversation":"hi"}`, want: ""},
		{name: "image", content: `{"imageMessage":{"mimetype":"image/jpeg"}}`, want: "image/jpeg"},
		{name: "audio", content: `{"audioMessage":{"mimetype":"audio/ogg; codecs=opus"}}`, want: "audio/ogg; codecs=opus"},
		{name: "video", content: `{"videoMessage":{"mimetype":"video/mp4"}}`, want: "video/mp4"},
		{name: "document", content: `{"documentMessage":{"mimetype":"application/pdf"}}`, want: "application/pdf"},
		{
			name:    "captioned document",
			content: `{"documentWithCaptionMessage":{"message":{"documentMessage":{"mimetype":"text/csv"}}}}`,
			want:    "text/csv",
		},
		{name: "garbage", content: `[1,2`, want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := Message{Content: json.RawMessage(tc.content)}
			if got := m.MediaMimeType(); got != tc.want {
				t.Fatalf("MediaMimeType=%q want=%q", got, tc.want)
			}
		})
	}
	if got := (Message{}).MediaMimeType(); got != "" {
		t.Fatalf("empty message MediaMimeType=%q", got)
	}
}

func TestDisconnectCode(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("wrapped: %w", &DisconnectError{Code: LoggedOut, Message: "bye"})
	if got := DisconnectCode(err); got != LoggedOut {
		t.Fatalf("DisconnectCode=%v", got)
	}
	if got := DisconnectCode(errors.New("plain")); got != 0 {
		t.Fatalf("DisconnectCode plain=%v", got)
	}
	if TimedOut != ConnectionLost {
		t.Fatalf("TimedOut and ConnectionLost share a code")
	}
	if LoggedOut.String() != "logged_out" || DisconnectReason(999).String() != "999" {
		t.Fatalf("DisconnectReason.String mismatch")
	}
}
