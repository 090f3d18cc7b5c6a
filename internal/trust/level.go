// Package trust computes and persists device and user trust. Local
// verification and cross-signing verification are two independent facts;
// the single place they are combined into a display decision is
// ShieldForTrust.
package trust

// Level is the pair of independent verification facts for a device.
// Values are only produced by the Engine; other packages must not build
// their own.
type Level struct {
	LocallyVerified      bool
	CrossSigningVerified bool
}

// Shield is the display decision for a device, from best to worst.
type Shield int

// Shield states.
const (
	// ShieldTrusted: the device is verified.
	ShieldTrusted Shield = iota
	// ShieldDefault: locally verified only, not cross-signed.
	ShieldDefault
	// ShieldUnknown: cross-signing state cannot be asserted.
	ShieldUnknown
	// ShieldWarning: the device is not verified.
	ShieldWarning
)

// String returns a short name for the shield state.
func (s Shield) String() string {
	switch s {
	case ShieldTrusted:
		return "trusted"
	case ShieldDefault:
		return "default"
	case ShieldUnknown:
		return "unknown"
	case ShieldWarning:
		return "warning"
	}
	return "invalid"
}

// ShieldForTrust combines the trust facts into a shield state. This is the
// only place the combination policy lives; callers must not reimplement it.
func ShieldForTrust(isCurrentDevice, accountTrustsOwnMSK, legacyMode bool, level Level) Shield {
	if isCurrentDevice {
		if legacyMode {
			// Without cross-signing there is nothing to check against.
			return ShieldTrusted
		}
		if accountTrustsOwnMSK {
			return ShieldTrusted
		}
		return ShieldWarning
	}

	if legacyMode {
		if level.LocallyVerified {
			return ShieldTrusted
		}
		return ShieldWarning
	}

	if !accountTrustsOwnMSK {
		// Cross-signing state cannot be asserted, so neither trust nor
		// distrust: neutral, not red.
		return ShieldUnknown
	}

	if level.CrossSigningVerified {
		return ShieldTrusted
	}
	if level.LocallyVerified {
		return ShieldDefault
	}
	return ShieldWarning
}
