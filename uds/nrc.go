package uds

// Negative response codes (ISO 14229-1).
const (
	NRCGeneralReject                 = 0x10
	NRCServiceNotSupported           = 0x11
	NRCSubFunctionNotSupported       = 0x12
	NRCIncorrectMessageLength        = 0x13
	NRCResponseTooLong               = 0x14
	NRCBusyRepeatRequest             = 0x21
	NRCConditionsNotCorrect          = 0x22
	NRCRequestSequenceError          = 0x24
	NRCNoResponseFromSubnetComponent = 0x25
	NRCFailurePreventsExecution      = 0x26
	NRCRequestOutOfRange             = 0x31
	NRCSecurityAccessDenied          = 0x33
	NRCInvalidKey                    = 0x35
	NRCExceedNumberOfAttempts        = 0x36
	NRCRequiredTimeDelayNotExpired   = 0x37
	NRCUploadDownloadNotAccepted     = 0x70
	NRCTransferDataSuspended         = 0x71
	NRCGeneralProgrammingFailure     = 0x72
	NRCWrongBlockSequenceCounter     = 0x73
	NRCResponsePending               = 0x78
	NRCSubFunctionNotInActiveSession = 0x7E
	NRCServiceNotInActiveSession     = 0x7F
)

var nrcDescriptions = map[byte]string{
	NRCGeneralReject:                 "general reject",
	NRCServiceNotSupported:           "service not supported",
	NRCSubFunctionNotSupported:       "sub-function not supported",
	NRCIncorrectMessageLength:        "incorrect message length or format",
	NRCResponseTooLong:               "response too long",
	NRCBusyRepeatRequest:             "busy, repeat request",
	NRCConditionsNotCorrect:          "conditions not correct",
	NRCRequestSequenceError:          "request sequence error",
	NRCNoResponseFromSubnetComponent: "no response from subnet component",
	NRCFailurePreventsExecution:      "failure prevents execution",
	NRCRequestOutOfRange:             "request out of range",
	NRCSecurityAccessDenied:          "security access denied",
	NRCInvalidKey:                    "invalid key",
	NRCExceedNumberOfAttempts:        "exceeded number of attempts",
	NRCRequiredTimeDelayNotExpired:   "required time delay not expired",
	NRCUploadDownloadNotAccepted:     "upload/download not accepted",
	NRCTransferDataSuspended:         "transfer data suspended",
	NRCGeneralProgrammingFailure:     "general programming failure",
	NRCWrongBlockSequenceCounter:     "wrong block sequence counter",
	NRCResponsePending:               "response pending",
	NRCSubFunctionNotInActiveSession: "sub-function not supported in active session",
	NRCServiceNotInActiveSession:     "service not supported in active session",
}

// DescribeNRC returns the human-readable text for a negative response code so
// operators can cross-reference the diagnostic specification.
func DescribeNRC(code byte) string {
	if desc, ok := nrcDescriptions[code]; ok {
		return desc
	}
	return "unknown negative response code"
}
