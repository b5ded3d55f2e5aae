package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/developer-mesh/llm-gateway/internal/config"
	"github.com/developer-mesh/llm-gateway/pkg/observability"
)

func TestTestDependencyUnknownName(t *testing.T) {
	m := NewManager(&config.Config{}, observability.NewNoopLogger())
	status := m.TestDependency(context.Background(), "etcd")
	assert.False(t, status.OK)
	assert.Contains(t, status.Detail, "etcd")
}

func TestCloseWithoutPool(t *testing.T) {
	m := NewManager(&config.Config{}, observability.NewNoopLogger())
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close(), "idempotent")
}

func TestConnectTimeoutDefault(t *testing.T) {
	m := NewManager(&config.Config{}, observability.NewNoopLogger())
	assert.Equal(t, 10*time.Second, m.connectTimeout())

	m = NewManager(&config.Config{
		Timeouts: config.TimeoutProfile{Connect: time.Second},
	}, observability.NewNoopLogger())
	assert.Equal(t, time.Second, m.connectTimeout())
}
