package rudp

import "errors"

// The error taxonomy from spec §6. WouldBlock is internal-only (absorbed
// by the reactor loop) and deliberately has no exported equivalent here.
var (
	ErrBadHandle                    = errors.New("rudp: bad handle")
	ErrInvalidArgument              = errors.New("rudp: invalid argument")
	ErrAddressFamilyUnsupported     = errors.New("rudp: address family unsupported")
	ErrAddressInUse                 = errors.New("rudp: address in use")
	ErrOperationNotSupportedInState = errors.New("rudp: operation not supported in current state")
	ErrNoMemory                     = errors.New("rudp: no memory")
	ErrConnectionReset              = errors.New("rudp: connection reset")
	ErrRetransmitExhausted          = errors.New("rudp: retransmit budget exhausted")
	ErrFault                        = errors.New("rudp: invalid buffer or address")
)
