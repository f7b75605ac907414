package models

import "strings"

// GlobalIDSeparator joins the display name and the random suffix.
const GlobalIDSeparator = "#"

// Identity is the local daemon's stable identity.
type Identity struct {
	DisplayName string `json:"display_name"`
	Suffix      string `json:"suffix"`
	GlobalID    string `json:"global_id"`
}

// DeriveGlobalID builds the routing identifier for a name and suffix.
func DeriveGlobalID(displayName, suffix string) string {
	return displayName + GlobalIDSeparator + suffix
}

// DisplayNameFromGlobalID recovers the display-name part of a global ID.
func DisplayNameFromGlobalID(globalID string) string {
	idx := strings.LastIndex(globalID, GlobalIDSeparator)
	if idx <= 0 {
		return globalID
	}
	return globalID[:idx]
}
