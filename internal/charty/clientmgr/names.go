package clientmgr

import (
	"fmt"
	"strings"
)

// Separator joins a server id and a native tool name into the name the model
// sees. Server ids are validated so they can never contain it.
const Separator = ":::"

// Encode returns "<serverID>:::<toolName>".
func Encode(serverID, toolName string) string {
	return serverID + Separator + toolName
}

// Decode splits an encoded name back into its server id and tool name. The
// name must contain exactly one separator with non-empty text on both sides.
func Decode(encoded string) (serverID, toolName string, err error) {
	parts := strings.Split(encoded, Separator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", &MalformedNameError{Name: encoded}
	}
	return parts[0], parts[1], nil
}

func (e *MalformedNameError) Error() string {
	return fmt.Sprintf("invalid tool name format %q: expected <server>%s<tool>", e.Name, Separator)
}
