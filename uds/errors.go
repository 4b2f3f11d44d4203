package uds

import (
	"errors"
	"fmt"
)

// ErrEmptyResponse is returned when the transport delivered a zero-length
// reply. The protocol never produces one; it indicates a broken gateway.
var ErrEmptyResponse = errors.New("uds: empty response")

// NegativeResponseError is the protocol's explicit error channel: the module
// answered 0x7F with the echoed service identifier and a negative response
// code. It is never treated as success.
type NegativeResponseError struct {
	// Service is the echoed request service identifier (0 when absent).
	Service byte

	// Code is the negative response code (0 when absent).
	Code byte
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("uds: negative response to service 0x%02X: NRC 0x%02X (%s)",
		e.Service, e.Code, DescribeNRC(e.Code))
}

// Retryable reports whether the negative response indicates a transient
// condition the caller may retry (busy / response pending). The client itself
// never retries; retry policy belongs to the orchestrator, which knows
// whether a repeat is safe.
func (e *NegativeResponseError) Retryable() bool {
	switch e.Code {
	case NRCBusyRepeatRequest, NRCResponsePending:
		return true
	}
	return false
}

// InvalidResponseError reports a reply whose leading byte is neither a
// negative-response marker nor the expected positive service identifier.
type InvalidResponseError struct {
	// Service is the request service identifier.
	Service byte

	// Got is the unexpected leading byte of the reply.
	Got byte
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("uds: invalid response to service 0x%02X: leading byte 0x%02X (expected 0x%02X)",
		e.Service, e.Got, e.Service+positiveOffset)
}

// UnexpectedIdentifierError reports a read or write acknowledgement echoing a
// different data identifier than the one requested.
type UnexpectedIdentifierError struct {
	Want uint16
	Got  uint16
}

func (e *UnexpectedIdentifierError) Error() string {
	return fmt.Sprintf("uds: response echoes identifier 0x%04X, requested 0x%04X", e.Got, e.Want)
}
