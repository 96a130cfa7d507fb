package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "relayd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{Traces: true})
	require.Error(t, err)
}

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = secret , broken, =x,tenant=relay")
	require.Equal(t, map[string]string{"api-key": "secret", "tenant": "relay"}, headers)
}
