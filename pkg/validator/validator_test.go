package validator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"plain", "hello", false},
		{"padded", "  hello \n", false},
		{"empty", "", true},
		{"whitespace only", " \t\n ", true},
		{"at limit", strings.Repeat("é", MaxMessageLength), false},
		{"over limit", strings.Repeat("a", MaxMessageLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := ValidateMessage(tt.text)
			assert.Equal(t, tt.wantErr, errs.HasErrors())
			if tt.wantErr {
				assert.Contains(t, errs, "text")
			}
		})
	}
}

func TestValidateOpenConversation(t *testing.T) {
	assert.False(t, ValidateOpenConversation("alice", "bob").HasErrors())
	assert.False(t, ValidateOpenConversation("alice", "user.with$odd:chars").HasErrors())

	errs := ValidateOpenConversation("alice", "alice")
	assert.Equal(t, "Cannot start a conversation with yourself", errs["user_id"])

	assert.True(t, ValidateOpenConversation("alice", "  ").HasErrors())
	assert.True(t, ValidateOpenConversation("alice", strings.Repeat("x", MaxIdentityLength+1)).HasErrors())
}

func TestValidateClientKey(t *testing.T) {
	assert.False(t, ValidateClientKey("").HasErrors())
	assert.True(t, ValidateClientKey(strings.Repeat("k", 129)).HasErrors())
}
