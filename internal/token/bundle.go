package token

import (
	"time"

	"github.com/google/uuid"

	"github.com/cursorgate/cursorgate/internal/checksum"
)

// Region selects the GCPP regional sub-service a bundle targets.
type Region uint8

const (
	RegionNone Region = iota
	RegionAsia
	RegionEU
	RegionUS
)

// String returns the wire name of the region, or "" for none.
func (r Region) String() string {
	switch r {
	case RegionAsia:
		return "asia"
	case RegionEU:
		return "eu"
	case RegionUS:
		return "us"
	default:
		return ""
	}
}

// ParseRegion maps a config string to a Region.
func ParseRegion(s string) Region {
	switch s {
	case "asia":
		return RegionAsia
	case "eu":
		return RegionEU
	case "us":
		return RegionUS
	default:
		return RegionNone
	}
}

// Bundle is the per-account policy attached to one interned Token: the
// fabricated checksum, client key and session identity plus optional proxy,
// timezone and region overrides.
type Bundle struct {
	Token         Token
	Checksum      checksum.Checksum
	ClientKey     checksum.Hash
	SessionID     uuid.UUID
	ConfigVersion *uuid.UUID
	ProxyName     string
	Timezone      string
	Region        Region
}

// NewBundle fabricates fresh checksum/key/session material for tok.
func NewBundle(tok Token) Bundle {
	return Bundle{
		Token:     tok,
		Checksum:  checksum.Random(),
		ClientKey: checksum.RandomHash(),
		SessionID: uuid.New(),
	}
}

// ForRequest clones the bundle for dispatch: the token handle is cloned,
// the policy fields are copied by value.
func (b Bundle) ForRequest() Bundle {
	b.Token = b.Token.Clone()
	return b
}

// Location resolves the bundle's timezone, falling back to def, then UTC.
func (b Bundle) Location(def string) *time.Location {
	for _, name := range []string{b.Timezone, def} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

// UserProfile is the cached control-plane profile of a token's account.
type UserProfile struct {
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	Sub       string    `json:"sub,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Status is the admin-facing enablement state of a managed token.
type Status uint8

const (
	StatusEnabled Status = iota
	StatusDisabled
)

// String returns the admin-facing name of the status.
func (s Status) String() string {
	if s == StatusDisabled {
		return "disabled"
	}
	return "enabled"
}

// Info is the admin record for one managed token: the bundle plus status,
// cached profile and free-form tags.
type Info struct {
	Bundle  Bundle
	Status  Status
	Profile *UserProfile
	Tags    map[string]string
}

// Enabled reports whether the token may serve traffic.
func (i *Info) Enabled() bool { return i.Status == StatusEnabled }
