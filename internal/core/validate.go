package core

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxAliasLen is the longest name BlueZ accepts for an adapter alias.
const MaxAliasLen = 248

// ValidateAlias checks a BLE alias before it is sent to BlueZ or written
// into a Python string literal.
func ValidateAlias(alias string) error {
	if strings.TrimSpace(alias) == "" {
		return errors.New("alias is required")
	}
	if len(alias) > MaxAliasLen {
		return errors.New("alias longer than 248 bytes")
	}
	if !utf8.ValidString(alias) {
		return errors.New("alias is not valid utf-8")
	}
	for _, r := range alias {
		if r == '"' || r == '\\' || unicode.IsControl(r) {
			return errors.New("alias contains quote, backslash or control character")
		}
	}
	return nil
}
