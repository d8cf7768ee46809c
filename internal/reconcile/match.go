package reconcile

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// MatchKey returns the identity key of a client: its route and its name
// normalized to NFC, case folded, with whitespace collapsed. Two clients
// created offline on different devices for the same person share a key.
func MatchKey(routeID, name string) string {
	n := norm.NFC.String(name)
	n = cases.Fold().String(n)
	n = strings.Join(strings.Fields(n), " ")
	return routeID + "\x00" + n
}
