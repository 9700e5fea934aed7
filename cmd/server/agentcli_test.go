package main

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeterm/edgeterm/internal/agent"
)

func TestQueryHonorsCancelledContext(t *testing.T) {
	client := &agentCLIClient{
		opts:          agent.Options{Model: "sonnet"},
		mcpConfigPath: "/dev/null",
		log:           zerolog.Nop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The subprocess is bound to the turn context; a cancelled turn must
	// never leave one running.
	err := client.Query(ctx, "hello")
	require.Error(t, err)
	assert.Nil(t, client.cmd)
}
