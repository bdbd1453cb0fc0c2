package broadlink

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"
)

// NormalizeMAC returns the canonical lower-case colon-separated form of a
// device hardware address.
//
// Devices announce their MAC either as a pre-formatted string or as raw
// bytes. The formatted value wins when it is non-empty:
//
//   - "AA:BB:CC:DD:EE:FF" is lower-cased and returned
//   - "aa-bb-cc-dd-ee-ff" is parsed and re-joined with colons
//   - "aabbccddeeff" is split into byte pairs
//
// Otherwise raw is rendered as hex pairs joined by ':'.
func NormalizeMAC(formatted string, raw []byte) (string, error) {
	formatted = strings.TrimSpace(formatted)

	switch {
	case strings.Contains(formatted, ":"):
		return strings.ToLower(formatted), nil
	case strings.Contains(formatted, "-"):
		hw, err := net.ParseMAC(formatted)
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrInvalidMAC, formatted)
		}
		return hw.String(), nil
	case formatted != "":
		b, err := hex.DecodeString(formatted)
		if err != nil || len(b) == 0 {
			return "", fmt.Errorf("%w: %q", ErrInvalidMAC, formatted)
		}
		return net.HardwareAddr(b).String(), nil
	case len(raw) > 0:
		return net.HardwareAddr(raw).String(), nil
	default:
		return "", fmt.Errorf("%w: empty", ErrInvalidMAC)
	}
}

// normalizeKey prepares a registry lookup key. Addresses are used verbatim;
// anything that looks like a MAC is lower-cased so that lookups match the
// form produced by NormalizeMAC.
func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if strings.Count(key, ":") == 5 || strings.Count(key, "-") == 5 {
		if mac, err := NormalizeMAC(key, nil); err == nil {
			return mac
		}
	}
	return key
}
