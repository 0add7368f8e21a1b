package models

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	clientIDSep      = "_"
	clientIDSuffix   = 8
	maxClientIDChars = 36
)

var roleCodes = map[OrderRole]string{
	RoleEntry:       "EN",
	RoleEntryMarket: "EM",
	RoleStopLoss:    "SL",
	RoleTakeProfit:  "TP",
}

// roleCode maps a role to the short code embedded in client order ids.
func roleCode(r OrderRole) (string, bool) {
	if c, ok := roleCodes[r]; ok {
		return c, true
	}
	if strings.HasPrefix(string(r), rolePartialReducePrefix) {
		n := strings.TrimPrefix(string(r), rolePartialReducePrefix)
		if _, err := strconv.Atoi(n); err == nil {
			return "R" + n, true
		}
	}
	return "", false
}

func roleFromCode(code string) (OrderRole, bool) {
	for r, c := range roleCodes {
		if c == code {
			return r, true
		}
	}
	if strings.HasPrefix(code, "R") {
		if n, err := strconv.Atoi(code[1:]); err == nil && n > 0 {
			return PartialReduceRole(n), true
		}
	}
	return "", false
}

// ClientOrderIDPrefix is the stable part of every client order id for (originTag, role).
func ClientOrderIDPrefix(originTag string, role OrderRole) string {
	code, ok := roleCode(role)
	if !ok || originTag == "" {
		return ""
	}
	return originTag + clientIDSep + code + clientIDSep
}

// NewClientOrderID builds "<originTag>_<roleCode>_<random>". Unknown roles get a bare random id.
func NewClientOrderID(originTag string, role OrderRole) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:clientIDSuffix]
	prefix := ClientOrderIDPrefix(originTag, role)
	if prefix == "" || len(prefix)+clientIDSuffix > maxClientIDChars {
		return "x" + clientIDSep + suffix
	}
	return prefix + suffix
}

// ParseClientOrderID recovers the origin tag and role from an id made by NewClientOrderID.
// Ids placed by anything else come back as RoleExternal with ok=false.
func ParseClientOrderID(id string) (originTag string, role OrderRole, ok bool) {
	parts := strings.Split(id, clientIDSep)
	if len(parts) != 3 || parts[0] == "" || len(parts[2]) != clientIDSuffix {
		return "", RoleExternal, false
	}
	if _, valid := SignalIDFromOriginTag(parts[0]); !valid {
		return "", RoleExternal, false
	}
	r, found := roleFromCode(parts[1])
	if !found {
		return "", RoleExternal, false
	}
	return parts[0], r, true
}
