package security

// Provenance carries the host's flags describing where a call came from.
type Provenance struct {
	SenderIsOwner bool
	IsSubagent    bool
	IsAllowed     bool
}

// ResolveTrust maps provenance flags to a trust level.
// Subagent provenance wins over owner so a spawned worker never inherits owner bypass.
func ResolveTrust(p Provenance) TrustLevel {
	switch {
	case p.IsSubagent:
		return TrustSubagent
	case p.SenderIsOwner:
		return TrustOwner
	case p.IsAllowed:
		return TrustAllowed
	default:
		return TrustUnknown
	}
}
