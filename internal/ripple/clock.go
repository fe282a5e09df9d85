package ripple

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time retrieval so business logic is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator abstracts unique ID generation so tests are deterministic.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.New().String() }

// TempIDPrefix marks a locally generated placeholder identifier for an
// entity created while offline. It is superseded by the server-assigned
// id once the create syncs.
const TempIDPrefix = "temp_"

// TempIDGenerator produces temporary ids of the form "temp_<uuid>".
// Temporary ids are unique per process and never reused.
type TempIDGenerator struct {
	inner IDGenerator
}

func NewTempIDGenerator(inner IDGenerator) *TempIDGenerator {
	if inner == nil {
		inner = UUIDGenerator{}
	}
	return &TempIDGenerator{inner: inner}
}

func (g *TempIDGenerator) New() string { return TempIDPrefix + g.inner.New() }

// IsTempID reports whether id is a locally generated placeholder.
func IsTempID(id string) bool { return strings.HasPrefix(id, TempIDPrefix) }
