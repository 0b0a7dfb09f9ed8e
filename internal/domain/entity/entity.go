// internal/domain/entity/entity.go

// Package entity holds the discoverable entities: tags and profiles.
package entity

// State represents where an entity is in its lifecycle
type State string

const (
	StateActive  State = "active"
	StateExpired State = "expired"
	StateDeleted State = "deleted"
)

// Valid reports whether s is a known state
func (s State) Valid() bool {
	switch s {
	case StateActive, StateExpired, StateDeleted:
		return true
	}
	return false
}

// Kind identifies the type of an indexed entity
type Kind string

const (
	KindTag     Kind = "tag"
	KindProfile Kind = "profile"
)

// StatusLevel is a tiered user classification gating restricted content
type StatusLevel string

const (
	StatusRegular StatusLevel = "regular"
	StatusElite   StatusLevel = "elite"
	StatusRare    StatusLevel = "rare"
)

// ParseStatusLevel parses a status level, defaulting empty input to regular
func ParseStatusLevel(s string) (StatusLevel, bool) {
	switch StatusLevel(s) {
	case "":
		return StatusRegular, true
	case StatusRegular, StatusElite, StatusRare:
		return StatusLevel(s), true
	}
	return "", false
}

// PrivacyTier is an owner-configured disclosure setting
type PrivacyTier string

const (
	TierPublic      PrivacyTier = "public"
	TierConnections PrivacyTier = "connections"
	TierPrivate     PrivacyTier = "private"
)

// Valid reports whether t is a known tier
func (t PrivacyTier) Valid() bool {
	switch t {
	case TierPublic, TierConnections, TierPrivate:
		return true
	}
	return false
}
