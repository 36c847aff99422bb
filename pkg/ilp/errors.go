package ilp

import "bytes"

// ILP error codes. F-class errors are final, T-class are temporary and safe
// to retry, R-class are relative to the recipient.
const (
	CodeF00BadRequest            = "F00"
	CodeF01InvalidPacket         = "F01"
	CodeF02Unreachable           = "F02"
	CodeF03InvalidAmount         = "F03"
	CodeF05WrongCondition        = "F05"
	CodeF06Unexpected            = "F06"
	CodeF08AmountTooLarge        = "F08"
	CodeF99ApplicationError      = "F99"
	CodeR00TransferTimedOut      = "R00"
	CodeR01InsufficientTimeout   = "R01"
	CodeT00InternalError         = "T00"
	CodeT01PeerUnreachable       = "T01"
	CodeT03ConnectorBusy         = "T03"
	CodeT04InsufficientLiquidity = "T04"
	CodeT05RateLimited           = "T05"
)

// Final reports whether the code is an F-class error. Final errors must not
// be retried by the sender.
func Final(code string) bool {
	return len(code) == 3 && code[0] == 'F'
}

// Temporary reports whether the code is a T-class error.
func Temporary(code string) bool {
	return len(code) == 3 && code[0] == 'T'
}

// NewReject builds a Reject triggered by the given node address.
func NewReject(code string, message string, triggeredBy Address) *Reject {
	return &Reject{Code: code, Message: message, TriggeredBy: triggeredBy}
}

// AmountTooLargeData is the machine-readable payload of an F08 reject.
// Senders use it to binary-search a working packet size.
type AmountTooLargeData struct {
	ReceivedAmount uint64
	MaximumAmount  uint64
}

// Marshal encodes the F08 payload as two fixed uint64s.
func (d *AmountTooLargeData) Marshal() []byte {
	var buf bytes.Buffer
	writeUint64(&buf, d.ReceivedAmount)
	writeUint64(&buf, d.MaximumAmount)
	return buf.Bytes()
}

// ParseAmountTooLargeData decodes an F08 payload. Returns false if the
// payload is absent or malformed; rejects from non-compliant peers carry
// arbitrary data.
func ParseAmountTooLargeData(b []byte) (AmountTooLargeData, bool) {
	if len(b) < 16 {
		return AmountTooLargeData{}, false
	}
	return AmountTooLargeData{
		ReceivedAmount: readUint64(b[:8]),
		MaximumAmount:  readUint64(b[8:16]),
	}, true
}
