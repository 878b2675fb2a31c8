package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serverModeEnv turns the test binary into a stdio tool server.
// "serve" exits when stdin closes; "linger" keeps running afterwards.
const serverModeEnv = "CHARTY_MCP_TEST_SERVER_MODE"

func TestMain(m *testing.M) {
	if mode := os.Getenv(serverModeEnv); mode != "" {
		runStdioServer(mode)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runStdioServer(mode string) {
	fmt.Fprintln(os.Stderr, "test server starting")
	enc := json.NewEncoder(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var req map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		id, ok := req["id"]
		if !ok {
			continue
		}
		msg := map[string]any{"jsonrpc": "2.0", "id": id}
		resp := defaultHandler(req)
		if rerr, isErr := resp.(*ResponseError); isErr {
			msg["error"] = rerr
		} else {
			msg["result"] = resp
		}
		_ = enc.Encode(msg)
	}
	if mode == "linger" {
		time.Sleep(time.Minute)
	}
}

func spawnTestServer(t *testing.T, mode string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := Spawn(ctx, SpawnOptions{
		Name:    "medmanager",
		Command: os.Args[0],
		Args:    []string{"-test.run=^$"},
		Env:     map[string]string{serverModeEnv: mode},
	})
	require.NoError(t, err)
	return c
}

func TestSpawn_HandshakeCallAndClose(t *testing.T) {
	c := spawnTestServer(t, "serve")
	assert.Equal(t, "medmanager", c.Name())
	assert.Equal(t, "medication-server", c.ServerInfo().Name)

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)

	res, err := c.CallTool(context.Background(), "get_prescriptions", nil)
	require.NoError(t, err)
	assert.Equal(t, "called get_prescriptions", res.Content[0].Text)

	require.NoError(t, c.Close())
	select {
	case <-c.closed:
	default:
		t.Fatal("read loop still running after Close returned")
	}
	_, err = c.ListTools(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSpawn_CloseKillsServerThatIgnoresEOF(t *testing.T) {
	c := spawnTestServer(t, "linger")

	start := time.Now()
	err := c.Close()
	elapsed := time.Since(start)

	assert.Error(t, err, "killed process reports a non-zero exit")
	assert.GreaterOrEqual(t, elapsed, closeGrace)
	assert.Less(t, elapsed, closeGrace+5*time.Second)
}
