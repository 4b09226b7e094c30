package checkin

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Proof-of-presence token format, generated by the instructor-facing client
// and rotated every few minutes:
//
//	LP1:BOOKING:<bookingID>:TRAINER:<instructorID>:<unixSeconds>
const tokenPrefix = "LP1"

// Freshness bounds. A token older than maxTokenAge is treated as a replay;
// one issued further than maxClockSkew in the future is a clock-skew reject.
const (
	maxTokenAge  = 300 * time.Second
	maxClockSkew = 60 * time.Second
)

// Token is the decoded proof-of-presence payload.
type Token struct {
	BookingID    uuid.UUID
	InstructorID uuid.UUID
	IssuedAt     time.Time
}

// EncodeToken renders the wire form of a token.
func EncodeToken(bookingID, instructorID uuid.UUID, issuedAt time.Time) string {
	return fmt.Sprintf("%s:BOOKING:%s:TRAINER:%s:%d", tokenPrefix, bookingID, instructorID, issuedAt.Unix())
}

// ParseToken decodes and structurally validates a scanned token. Any
// malformed token maps to ErrTokenInvalid.
func ParseToken(raw string) (*Token, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 6 || parts[0] != tokenPrefix || parts[1] != "BOOKING" || parts[3] != "TRAINER" {
		return nil, fmt.Errorf("%w: malformed token", ErrTokenInvalid)
	}
	bookingID, err := uuid.Parse(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: bad booking id", ErrTokenInvalid)
	}
	instructorID, err := uuid.Parse(parts[4])
	if err != nil {
		return nil, fmt.Errorf("%w: bad instructor id", ErrTokenInvalid)
	}
	unix, err := strconv.ParseInt(parts[5], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp", ErrTokenInvalid)
	}
	return &Token{
		BookingID:    bookingID,
		InstructorID: instructorID,
		IssuedAt:     time.Unix(unix, 0).UTC(),
	}, nil
}

// checkFreshness applies the replay/staleness and clock-skew bounds against
// the scan time.
func checkFreshness(tok *Token, scannedAt time.Time) error {
	if scannedAt.Sub(tok.IssuedAt) > maxTokenAge {
		return fmt.Errorf("%w: token issued %s ago", ErrTokenExpired, scannedAt.Sub(tok.IssuedAt).Truncate(time.Second))
	}
	if tok.IssuedAt.Sub(scannedAt) > maxClockSkew {
		return fmt.Errorf("%w: token issued in the future", ErrTokenInvalid)
	}
	return nil
}
