// Package idkit provides the opaque sortable ID types shared across every domain package, plus the username/content
// validators and the markdown tokenizer that forms the security boundary between untrusted message content and
// connected clients.
package idkit

import (
	"crypto/rand"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// entropy is shared across ID constructors. ulid.ULID generation only needs a source of randomness; crypto/rand
// backs it so IDs are unguessable, not just unique.
var entropySource = ulid.Monotonic(rand.Reader, 0)

// ID is a 128-bit ULID rendered as the 26-character Crockford-base32 string. Its lexicographic sort order matches
// creation order, which every sortable entity in Filament (messages, sessions, audit events, attachments) relies on.
type ID struct {
	inner ulid.ULID
}

// Nil is the zero-value ID.
var Nil ID

// New generates a new ID. The clock component is time.Now(); within the same millisecond, the monotonic entropy
// source still yields a strictly increasing value.
func New() ID {
	return ID{inner: ulid.MustNew(ulid.Timestamp(time.Now()), entropySource)}
}

// Parse decodes a 26-character Crockford-base32 string into an ID.
func Parse(s string) (ID, error) {
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return ID{}, fmt.Errorf("parse id %q: %w", s, err)
	}
	return ID{inner: u}, nil
}

// MustParse panics if s is not a valid ID. Intended for constants and tests.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String renders the canonical 26-char Crockford-base32 form.
func (id ID) String() string { return id.inner.String() }

// IsNil reports whether id is the zero value.
func (id ID) IsNil() bool { return id.inner == (ulid.ULID{}) }

// Time returns the millisecond creation timestamp encoded in the ID.
func (id ID) Time() time.Time { return time.UnixMilli(int64(id.inner.Time())) }

// Compare orders two IDs; this is also their creation order since the high bits are a millisecond timestamp.
func (id ID) Compare(other ID) int { return id.inner.Compare(other.inner) }

// Less reports id < other, useful for sort.Slice.
func (id ID) Less(other ID) bool { return id.Compare(other) < 0 }

// MarshalJSON renders the ID as a JSON string.
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.inner.String() + `"`), nil
}

// UnmarshalJSON parses a JSON string into an ID.
func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return errors.New("idkit: id must be a JSON string")
	}
	parsed, err := Parse(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Value implements driver.Valuer so an ID can be written directly by pgx/database-sql.
func (id ID) Value() (driver.Value, error) {
	return id.inner.String(), nil
}

// Scan implements sql.Scanner so an ID can be read directly by pgx/database-sql.
func (id *ID) Scan(src any) error {
	switch v := src.(type) {
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case []byte:
		parsed, err := Parse(string(v))
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case nil:
		*id = Nil
		return nil
	default:
		return fmt.Errorf("idkit: cannot scan %T into ID", src)
	}
}

// Aliases documenting the entity each ID identifies. These are plain aliases, not distinct types — the underlying
// representation and comparison semantics are identical for every entity kind.
type (
	UserID       = ID
	GuildID      = ID
	ChannelID    = ID
	MessageID    = ID
	RoleID       = ID
	SessionID    = ID
	AttachmentID = ID
	AuditID      = ID
	BanID        = ID
)
