package types

const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"` + redactedPlaceholder + `"`)

// SecretString holds a credential that must not leak through fmt or JSON.
// Call Unmask only where the raw value is handed to a client or driver.
type SecretString string

func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON always encodes the placeholder.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw value.
func (s SecretString) Unmask() string {
	return string(s)
}

// IsZero reports whether no secret was configured.
func (s SecretString) IsZero() bool {
	return s == ""
}
