package types

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "sk_test_do_not_print"

func TestSecretString_Redacts(t *testing.T) {
	s := SecretString(testSecret)

	assert.Equal(t, redactedPlaceholder, s.String())
	assert.NotContains(t, fmt.Sprintf("%s %v", s, s), testSecret)

	data, err := json.Marshal(struct {
		Key SecretString `json:"key"`
	}{Key: s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"***REDACTED***"}`, string(data))
}

func TestSecretString_Unmask(t *testing.T) {
	s := SecretString(testSecret)
	assert.Equal(t, testSecret, s.Unmask())
	assert.False(t, s.IsZero())
	assert.True(t, SecretString("").IsZero())
}
