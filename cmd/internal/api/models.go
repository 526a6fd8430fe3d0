package api

import "sessiond/cmd/internal/supervisor"

type startRequest struct {
	SessionID   string `json:"session_id"`
	Mode        string `json:"mode"`
	PhoneNumber string `json:"phone_number"`
	PrintQR     bool   `json:"print_qr"`
}

type startResponse struct {
	Session supervisor.Status `json:"session"`
	// PairingCode is set when the session was started in pairing_code mode and
	// the engine reported the device as not yet registered.
	PairingCode string `json:"pairing_code,omitempty"`
}

type sessionResponse struct {
	Session supervisor.Status `json:"session"`
}

type listResponse struct {
	Sessions []supervisor.Status `json:"sessions"`
}
