package lib

import "errors"

// Error taxonomy. Sentinel values are compared with errors.Is so that
// wrapped errors (fmt.Errorf("...: %w", ErrNotInWindow)) still classify
// correctly for stats bookkeeping and caller recovery policy.
var (
	ErrInvalidArgument = errors.New("pgm: invalid argument")
	ErrNotBound        = errors.New("pgm: transport not bound")
	ErrNotInWindow     = errors.New("pgm: sequence number not in window")
	ErrMalformed       = errors.New("pgm: malformed packet")
	ErrChecksum        = errors.New("pgm: checksum error")
	ErrDuplicate       = errors.New("pgm: duplicate packet")
	ErrRateLimited     = errors.New("pgm: send rate limited")
	ErrWouldBlock      = errors.New("pgm: operation would block")
	ErrIO              = errors.New("pgm: i/o error")
	ErrPeerUnknownNla  = errors.New("pgm: peer network layer address unknown")
	ErrApduLost        = errors.New("pgm: apdu has a lost fragment")
	ErrFatal           = errors.New("pgm: fatal transport condition")
	ErrClosed          = errors.New("pgm: transport closed")
)
