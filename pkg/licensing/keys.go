package licensing

import (
	"regexp"
	"strings"
)

// License keys look like Z-ABC123-DEFGH012-XYZ1234: a single letter prefix
// identifying the key family, then three alphanumeric groups. Group lengths
// are bounded rather than fixed so the generator can grow without breaking
// older clients.
var keyPattern = regexp.MustCompile(`^[A-Z]-[A-Z0-9]{4,10}-[A-Z0-9]{4,10}-[A-Z0-9]{4,10}$`)

// Canonical group lengths used when re-inserting hyphens into a bare key.
const (
	keyPrefixLen = 1
	keyGroup1Len = 6
	keyGroup2Len = 8
	keyGroup3Len = 7
	keyBareLen   = keyPrefixLen + keyGroup1Len + keyGroup2Len + keyGroup3Len
)

var bareKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]+$`)

// Shortest well-formed key: prefix, three hyphens, three minimum-length groups.
const minKeyLen = keyPrefixLen + 3 + 3*4

// NormalizeKey uppercases a raw key and strips all whitespace, including
// interior spaces left by copy-paste. It never fails; format checks come
// separately so callers can normalize first and report errors after.
func NormalizeKey(raw string) string {
	key := strings.ToUpper(strings.TrimSpace(raw))
	if strings.ContainsAny(key, " \t") {
		key = strings.NewReplacer(" ", "", "\t", "").Replace(key)
	}
	return key
}

// IsValidKeyFormat reports whether the key, after normalization, has the
// expected shape. It says nothing about whether the server will accept it.
func IsValidKeyFormat(key string) bool {
	return keyPattern.MatchString(NormalizeKey(key))
}

// KeyFormatError returns "" for well-formed keys, otherwise a short
// user-presentable reason. Rules are checked in a fixed order and the first
// failure wins: empty, wrong prefix, too short, malformed. It never echoes
// the key itself; callers log keys through MaskKey only.
func KeyFormatError(key string) string {
	normalized := NormalizeKey(key)
	if normalized == "" {
		return "license key is empty"
	}
	if normalized[0] < 'A' || normalized[0] > 'Z' {
		return "license key must start with a letter prefix"
	}
	if len(normalized) < minKeyLen {
		return "license key is too short"
	}
	if !keyPattern.MatchString(normalized) {
		return "license key is malformed"
	}
	return ""
}

// FormatKey returns the canonical display form of a key. Keys pasted
// without hyphens are re-hyphenated at the canonical group boundaries when
// the bare length matches; anything else passes through normalized only.
func FormatKey(raw string) string {
	key := NormalizeKey(raw)
	if keyPattern.MatchString(key) {
		return key
	}
	if len(key) == keyBareLen && bareKeyPattern.MatchString(key) {
		var b strings.Builder
		b.Grow(keyBareLen + 3)
		b.WriteString(key[:keyPrefixLen])
		b.WriteByte('-')
		b.WriteString(key[keyPrefixLen : keyPrefixLen+keyGroup1Len])
		b.WriteByte('-')
		b.WriteString(key[keyPrefixLen+keyGroup1Len : keyPrefixLen+keyGroup1Len+keyGroup2Len])
		b.WriteByte('-')
		b.WriteString(key[keyPrefixLen+keyGroup1Len+keyGroup2Len:])
		return b.String()
	}
	return key
}

// maskRedaction replaces the hidden portion of a key in logs. Its width is
// fixed so a masked key never reveals how long the real key is.
const maskRedaction = "********"

// MaskKey returns a logging-safe form of the key. Well-formed keys keep the
// prefix and the first four characters of the first group ahead of the fixed
// redaction; anything else keeps at most the first and last character. All
// log statements that mention keys must go through this.
func MaskKey(key string) string {
	normalized := NormalizeKey(key)
	if normalized == "" {
		return ""
	}
	if keyPattern.MatchString(normalized) {
		parts := strings.Split(normalized, "-")
		return parts[0] + "-" + parts[1][:4] + "-" + maskRedaction
	}
	if len(normalized) <= 2 {
		return maskRedaction
	}
	return normalized[:1] + maskRedaction + normalized[len(normalized)-1:]
}
