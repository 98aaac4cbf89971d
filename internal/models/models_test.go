package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMessage_Less(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		a, b Message
		want bool
	}{
		{"earlier first", Message{ID: 9, CreatedAt: t0}, Message{ID: 1, CreatedAt: t0.Add(time.Second)}, true},
		{"later second", Message{ID: 1, CreatedAt: t0.Add(time.Second)}, Message{ID: 9, CreatedAt: t0}, false},
		{"same time lower id", Message{ID: 1, CreatedAt: t0}, Message{ID: 2, CreatedAt: t0}, true},
		{"same time higher id", Message{ID: 2, CreatedAt: t0}, Message{ID: 1, CreatedAt: t0}, false},
		{"same message", Message{ID: 3, CreatedAt: t0}, Message{ID: 3, CreatedAt: t0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.a.Less(tt.b))
		})
	}
}

func TestChatKind_Valid(t *testing.T) {
	require.True(t, ChatKindSingle.Valid())
	require.True(t, ChatKindGroup.Valid())
	require.False(t, ChatKind("channel").Valid())
	require.False(t, ChatKind("").Valid())
}
