package credential

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/islombek4642/tgsecret/internal/errors"
	"github.com/islombek4642/tgsecret/internal/user"
)

const recordVersion = 1

// record is the on-disk and in-redis form of a Credential. Integer keys
// keep the encoding compact; timestamps are Unix nanoseconds so they
// survive a round trip exactly.
type record struct {
	Version       int    `cbor:"1,keyasint"`
	UserID        int64  `cbor:"2,keyasint"`
	Session       []byte `cbor:"3,keyasint"`
	Sealed        bool   `cbor:"4,keyasint"`
	CreatedAt     int64  `cbor:"5,keyasint"`
	Valid         bool   `cbor:"6,keyasint"`
	InvalidatedAt int64  `cbor:"7,keyasint,omitempty"`
	InvalidReason string `cbor:"8,keyasint,omitempty"`
	AccountID     int64  `cbor:"9,keyasint,omitempty"`
	Phone         string `cbor:"10,keyasint,omitempty"`
	Username      string `cbor:"11,keyasint,omitempty"`
	FirstName     string `cbor:"12,keyasint,omitempty"`
	LastName      string `cbor:"13,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("credential: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("credential: CBOR decoder initialization failed: " + err.Error())
	}
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func encodeRecord(c Credential, s Sealer) ([]byte, error) {
	session, err := s.Seal(c.UserID, c.Session)
	if err != nil {
		return nil, fmt.Errorf("sealing session: %w", err)
	}
	rec := record{
		Version:       recordVersion,
		UserID:        int64(c.UserID),
		Session:       session,
		Sealed:        s.Seals(),
		CreatedAt:     unixNano(c.CreatedAt),
		Valid:         c.Valid,
		InvalidatedAt: unixNano(c.InvalidatedAt),
		InvalidReason: c.InvalidReason,
		AccountID:     c.Account.ID,
		Phone:         c.Account.Phone,
		Username:      c.Account.Username,
		FirstName:     c.Account.FirstName,
		LastName:      c.Account.LastName,
	}
	return encMode.Marshal(rec)
}

// decodeRecord decodes data read for id. A record claiming a different
// identity, or one that cannot be opened, is reported as corrupted.
func decodeRecord(id user.ID, data []byte, s Sealer) (Credential, error) {
	var rec record
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", errors.ErrCorrupted, err)
	}
	if rec.Version != recordVersion {
		return Credential{}, fmt.Errorf("%w: unsupported record version %d", errors.ErrCorrupted, rec.Version)
	}
	if user.ID(rec.UserID) != id {
		return Credential{}, fmt.Errorf("%w: record belongs to user %d", errors.ErrCorrupted, rec.UserID)
	}

	session := rec.Session
	if rec.Sealed {
		if !s.Seals() {
			return Credential{}, fmt.Errorf("%w: record is sealed but no key is configured", errors.ErrCorrupted)
		}
		opened, err := s.Open(id, rec.Session)
		if err != nil {
			return Credential{}, fmt.Errorf("%w: %v", errors.ErrCorrupted, err)
		}
		session = opened
	}

	return Credential{
		UserID:        id,
		Session:       session,
		CreatedAt:     fromUnixNano(rec.CreatedAt),
		Valid:         rec.Valid,
		InvalidatedAt: fromUnixNano(rec.InvalidatedAt),
		InvalidReason: rec.InvalidReason,
		Account: Account{
			ID:        rec.AccountID,
			Phone:     rec.Phone,
			Username:  rec.Username,
			FirstName: rec.FirstName,
			LastName:  rec.LastName,
		},
	}, nil
}
