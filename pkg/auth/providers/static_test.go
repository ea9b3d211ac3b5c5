package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticAuthProvider(t *testing.T) {
	tokens := map[string]string{"t-alice": "alice", "t-empty": ""}
	p := NewStaticAuthProvider(tokens)
	tokens["t-bob"] = "bob"

	tests := []struct {
		token   string
		want    string
		wantErr bool
	}{
		{token: "t-alice", want: "alice"},
		{token: "t-bob", wantErr: true},
		{token: "t-empty", wantErr: true},
		{token: "", wantErr: true},
	}
	for _, tt := range tests {
		claims, err := p.VerifyToken(context.Background(), tt.token)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidToken, tt.token)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, claims.UID)
	}
}
