package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces credentials in log output.
const RedactedValue = "[REDACTED]"

const maskPrefix = "****"

// credentialKeys are masked by every logger built here, at any group depth.
// Keys ending in _secret or _token are treated the same way.
var credentialKeys = map[string]struct{}{
	"authorization": {},
	"token":         {},
	"secret":        {},
	"password":      {},
	"dsn":           {},
	"otlp_headers":  {},
}

// IsCredential reports whether values logged under key are masked.
func IsCredential(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if _, ok := credentialKeys[k]; ok {
		return true
	}
	return strings.HasSuffix(k, "_secret") || strings.HasSuffix(k, "_token")
}

// MaskField builds an attribute that keeps only the last four characters of
// value so a credential can be matched against its issuer without being
// logged. Short values are replaced entirely.
func MaskField(key, value string) slog.Attr {
	value = strings.TrimSpace(value)
	if value == "" {
		return slog.String(key, "")
	}
	if len(value) <= 8 {
		return slog.String(key, RedactedValue)
	}
	return slog.String(key, maskPrefix+value[len(value)-4:])
}

// redactAttr masks string credentials unless MaskField already did.
func redactAttr(attr slog.Attr) slog.Attr {
	if !IsCredential(attr.Key) || attr.Value.Kind() != slog.KindString {
		return attr
	}
	v := attr.Value.String()
	if v == "" || v == RedactedValue || strings.HasPrefix(v, maskPrefix) {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
