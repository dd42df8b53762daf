package types

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// ID prefixes for locally generated identifiers.
const (
	PrefixSubscription = "sub"
	PrefixLedgerEntry  = "led"
	PrefixUser         = "usr"
	PrefixAPIKey       = "key"
)

// NewID returns a new sortable, prefixed identifier such as "sub_01h455vb4pex5vsknk084sn02q".
func NewID(prefix string) string {
	id, err := typeid.Generate(prefix)
	if err != nil {
		// Generate only fails on an invalid prefix, which is a programming error.
		panic(fmt.Sprintf("types: invalid id prefix %q: %v", prefix, err))
	}
	return id.String()
}

// HasPrefix reports whether s parses as a typeid with the given prefix.
func HasPrefix(s, prefix string) bool {
	id, err := typeid.Parse(s)
	if err != nil {
		return false
	}
	return id.Prefix() == prefix
}
