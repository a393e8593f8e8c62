// Package convert translates Kiro credential records between the camelCase
// layout used by AIClient2API and the snake_case layout used by CLIProxyPlus.
package convert

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Format names a credential layout.
type Format string

const (
	// FormatAIClient is the camelCase layout (accessToken, authMethod, ...).
	FormatAIClient Format = "aiclient"
	// FormatCLIProxy is the snake_case layout (access_token, auth_method, ...).
	FormatCLIProxy Format = "cliproxy"
)

// Other returns the opposite format.
func (f Format) Other() Format {
	if f == FormatAIClient {
		return FormatCLIProxy
	}
	return FormatAIClient
}

// ParseFormat accepts the format names used on the command line.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatAIClient:
		return FormatAIClient, nil
	case FormatCLIProxy:
		return FormatCLIProxy, nil
	}
	return "", fmt.Errorf("unknown format %q (want %s or %s)", s, FormatAIClient, FormatCLIProxy)
}

// FormatError reports a record that cannot be detected or converted.
type FormatError struct {
	Reason string
	Keys   []string
}

func (e *FormatError) Error() string {
	if len(e.Keys) == 0 {
		return "format error: " + e.Reason
	}
	return fmt.Sprintf("format error: %s (keys: %s)", e.Reason, strings.Join(e.Keys, ", "))
}

// Record is a decoded credential JSON object.
type Record = map[string]any

type fieldPair struct {
	aiclient string
	cliproxy string
}

var fields = []fieldPair{
	{"accessToken", "access_token"},
	{"refreshToken", "refresh_token"},
	{"expiresAt", "expires_at"},
	{"authMethod", "auth_method"},
	{"clientId", "client_id"},
	{"clientSecret", "client_secret"},
	{"idcRegion", "region"},
	{"lastRefreshed", "last_refresh"},
}

var authMethods = []fieldPair{
	{"IdC", "idc"},
	{"Social", "social"},
}

// cliproxyDefaults are the CLIProxyPlus fields that have no AIClient counterpart.
var cliproxyDefaults = Record{
	"disabled":    false,
	"email":       "",
	"profile_arn": "",
	"provider":    "AWS",
	"type":        "kiro",
}

func (p fieldPair) key(f Format) string {
	if f == FormatAIClient {
		return p.aiclient
	}
	return p.cliproxy
}

// rename maps key from source layout to target layout.
func rename(key string, from, to Format) (string, bool) {
	for _, p := range fields {
		if p.key(from) == key {
			return p.key(to), true
		}
	}
	return key, false
}

// translateAuthMethod maps the auth method value; unknown values pass through.
func translateAuthMethod(v any, from, to Format) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	for _, p := range authMethods {
		if p.key(from) == s {
			return p.key(to)
		}
	}
	return v
}

func isAuthMethodValue(v any, f Format) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	for _, p := range authMethods {
		if p.key(f) == s {
			return true
		}
	}
	return false
}

// Detect returns the layout of record.
func Detect(record Record) (Format, error) {
	_, aToken := record["accessToken"]
	aMethod, aHasMethod := record["authMethod"]
	_, bToken := record["access_token"]
	bMethod, bHasMethod := record["auth_method"]

	hasA := aToken || aHasMethod
	hasB := bToken || bHasMethod

	switch {
	case hasA && !hasB:
		return FormatAIClient, nil
	case hasB && !hasA:
		return FormatCLIProxy, nil
	case hasA && hasB:
		// Mixed keys: trust the casing of the auth method value.
		if aHasMethod && isAuthMethodValue(aMethod, FormatAIClient) {
			return FormatAIClient, nil
		}
		if bHasMethod && isAuthMethodValue(bMethod, FormatCLIProxy) {
			return FormatCLIProxy, nil
		}
		return "", &FormatError{Reason: "record mixes both layouts", Keys: sortedKeys(record)}
	}
	return "", &FormatError{Reason: "no access token or auth method field", Keys: sortedKeys(record)}
}

// Convert returns record in the target layout. The input is never modified.
// Fields outside the mapping table are copied unchanged, except that names
// and auth method values already spelled the target way are rejected, so
// converting the result back always restores the input.
func Convert(record Record, target Format) (Record, error) {
	source, err := Detect(record)
	if err != nil {
		return nil, err
	}
	if source == target {
		return maps.Clone(record), nil
	}

	out := make(Record, len(record))
	origin := make(map[string]string, len(record))
	for _, k := range sortedKeys(record) {
		v := record[k]
		newKey, renamed := rename(k, source, target)
		if renamed && newKey == authMethodKey(target) {
			if isAuthMethodValue(v, target) && !isAuthMethodValue(v, source) {
				return nil, &FormatError{
					Reason: fmt.Sprintf("%s value %v already uses the %s spelling", k, v, target),
					Keys:   []string{k},
				}
			}
			v = translateAuthMethod(v, source, target)
		}
		if prev, dup := origin[newKey]; dup {
			return nil, &FormatError{
				Reason: fmt.Sprintf("fields %q and %q both map to %q", prev, k, newKey),
				Keys:   []string{prev, k},
			}
		}
		// A copied key that the target layout renames would not survive the
		// conversion back.
		if _, reserved := rename(k, target, source); !renamed && reserved {
			return nil, &FormatError{
				Reason: fmt.Sprintf("field %q belongs to the %s layout", k, target),
				Keys:   []string{k},
			}
		}
		origin[newKey] = k
		out[newKey] = v
	}
	return out, nil
}

func authMethodKey(f Format) string {
	if f == FormatAIClient {
		return "authMethod"
	}
	return "auth_method"
}

// FillDefaults adds the CLIProxyPlus-only fields missing from a snake_case record.
func FillDefaults(record Record) {
	for k, v := range cliproxyDefaults {
		if _, ok := record[k]; !ok {
			record[k] = v
		}
	}
}

// StripDefaults removes CLIProxyPlus-only fields that still hold their default value.
func StripDefaults(record Record) {
	for k, v := range cliproxyDefaults {
		if cur, ok := record[k]; ok && cur == v {
			delete(record, k)
		}
	}
}

func sortedKeys(record Record) []string {
	return slices.Sorted(maps.Keys(record))
}
