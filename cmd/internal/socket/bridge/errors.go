package bridge

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyURL      = errors.New("bridge: empty engine url")
	ErrUnknownEvent  = errors.New("bridge: unknown event")
	ErrStartRejected = errors.New("bridge: engine rejected start")
)

// EngineError is an error reported by the engine in a response frame.
type EngineError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("bridge: engine error %s: %s", e.Code, e.Message)
}
