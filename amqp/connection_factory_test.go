package amqp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactoryDefaults(t *testing.T) {
	cf := NewConnectionFactory()

	assert.Equal(t, "localhost", cf.Host)
	assert.Equal(t, 5672, cf.Port)
	assert.Equal(t, "/", cf.VHost)
	assert.Equal(t, "guest", cf.Username)
	assert.False(t, cf.AutomaticRecovery)
	assert.True(t, cf.TopologyRecovery)
	assert.NotNil(t, cf.Logger)
	assert.NotNil(t, cf.Metrics)
	require.NoError(t, cf.Validate())
}

func TestFactoryValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    []FactoryOption
		wantErr string
	}{
		{
			name:    "empty host",
			opts:    []FactoryOption{WithHost("")},
			wantErr: "host",
		},
		{
			name:    "port out of range",
			opts:    []FactoryOption{WithPort(70000)},
			wantErr: "port",
		},
		{
			name:    "empty vhost",
			opts:    []FactoryOption{WithVHost("")},
			wantErr: "vhost",
		},
		{
			name:    "empty username",
			opts:    []FactoryOption{WithCredentials("", "pw")},
			wantErr: "username",
		},
		{
			name:    "negative heartbeat",
			opts:    []FactoryOption{WithHeartbeat(-time.Second)},
			wantErr: "heartbeat",
		},
		{
			name:    "frame max below protocol minimum",
			opts:    []FactoryOption{WithFrameMax(100)},
			wantErr: "frame max",
		},
		{
			name:    "negative retry attempts",
			opts:    []FactoryOption{WithConnectionRetryAttempts(-1)},
			wantErr: "retry attempts",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewConnectionFactory(tt.opts...).Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFactoryDialFuncSkipsAddressChecks(t *testing.T) {
	// A custom dialer owns the endpoint, so host/port are not validated.
	cf := NewConnectionFactory(
		WithHost(""),
		WithDialFunc(func(ctx context.Context) (net.Conn, error) { return nil, nil }),
	)
	require.NoError(t, cf.Validate())
}
