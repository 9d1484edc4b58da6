package services

import (
	"fmt"
	"strconv"
	"strings"
)

// Aliases maps human readable names such as "green led" to pin identifiers.
type Aliases map[string]string

// Resolve returns the pin for name, or name itself when it is not an alias.
func (a Aliases) Resolve(name string) string {
	if pin, ok := a[name]; ok {
		return pin
	}
	return name
}

// Lookup is the strict variant of Resolve.
func (a Aliases) Lookup(name string) (string, error) {
	pin, ok := a[name]
	if !ok {
		return "", ServiceError{Code: ErrCodeNotFound, Message: fmt.Sprintf("Alias %q is not defined", name), Cause: ErrNoSuchAlias}
	}
	return pin, nil
}

// Merge returns a copy of a with other's entries added, other winning on conflicts.
func (a Aliases) Merge(other map[string]string) Aliases {
	out := make(Aliases, len(a)+len(other))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// AliasesFromTable builds aliases from table rows. The first row is a header
// that must contain "alias" and "pin" columns.
func AliasesFromTable(rows [][]string) (Aliases, error) {
	if len(rows) == 0 {
		return nil, ServiceError{Code: ErrCodeInvalidInput, Message: "Alias table is empty"}
	}

	aliasCol, pinCol := -1, -1
	for i, h := range rows[0] {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "alias":
			aliasCol = i
		case "pin":
			pinCol = i
		}
	}
	if aliasCol < 0 || pinCol < 0 {
		return nil, ServiceError{Code: ErrCodeInvalidInput, Message: "Alias table needs 'alias' and 'pin' columns"}
	}

	aliases := make(Aliases, len(rows)-1)
	for _, row := range rows[1:] {
		if aliasCol >= len(row) || pinCol >= len(row) {
			return nil, ServiceError{Code: ErrCodeInvalidInput, Message: fmt.Sprintf("Alias table row %v is incomplete", row)}
		}
		aliases[strings.TrimSpace(row[aliasCol])] = strings.TrimSpace(row[pinCol])
	}
	return aliases, nil
}

// ParseValue converts a step argument into a pin state: true/on/high and
// false/off/low (any case) become booleans, anything else must be an integer.
func ParseValue(value string) (any, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "on", "high":
		return true, nil
	case "false", "off", "low":
		return false, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return nil, ServiceError{Code: ErrCodeInvalidInput, Message: fmt.Sprintf("Invalid pin value %q", value), Cause: err}
	}
	return n, nil
}
