package panel

import (
	"errors"
	"fmt"
)

// Error kinds returned by ErrorKind.
const (
	KindAuth     = "auth"
	KindNetwork  = "network"
	KindProtocol = "protocol"
	KindUnknown  = "unknown"
)

// AuthError means the panel rejected the management key.
type AuthError struct {
	Panel  string
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("panel %s rejected management key (status %d)", e.Panel, e.Status)
}

// NetworkError wraps a transport failure or timeout.
type NetworkError struct {
	Err   error
	Panel string
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("panel %s unreachable: %v", e.Panel, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError means the panel answered with something we could not use.
type ProtocolError struct {
	Err    error
	Panel  string
	Msg    string
	Status int
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("panel %s: %s", e.Panel, e.Msg)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ErrorKind classifies err for display and metric labels.
func ErrorKind(err error) string {
	var (
		authErr     *AuthError
		networkErr  *NetworkError
		protocolErr *ProtocolError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &authErr):
		return KindAuth
	case errors.As(err, &networkErr):
		return KindNetwork
	case errors.As(err, &protocolErr):
		return KindProtocol
	}
	return KindUnknown
}
