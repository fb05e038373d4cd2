package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetforge-labs/fleetforge/internal/logger"
)

func setupTestContext(t *testing.T) *Context {
	t.Helper()
	c := NewContext(logger.NewDefaultLogger("error"))
	c.AddHost("web-01.example.com",
		map[string]interface{}{"tier": "web", "dns": "10.0.0.53"},
		map[string]interface{}{"tier": "web-host"},
		[]string{"web", "prod"})
	c.AddHost("db-01",
		map[string]interface{}{"tier": "db"},
		nil,
		[]string{"db", "prod"})
	return c
}

func TestBuiltinVars(t *testing.T) {
	c := setupTestContext(t)
	vars := c.MergedVars("web-01.example.com")
	assert.Equal(t, "web-01.example.com", vars["inventory_hostname"])
	assert.Equal(t, "web-01", vars["inventory_hostname_short"])
	assert.Equal(t, []string{"prod", "web"}, vars["group_names"])
}

func TestScopePrecedence(t *testing.T) {
	c := setupTestContext(t)

	// Host overrides group.
	assert.Equal(t, "web-host", c.MergedVars("web-01.example.com")["tier"])

	c.SetPlaybookVars(map[string]interface{}{"tier": "playbook", "release": "v1"})
	assert.Equal(t, "playbook", c.MergedVars("web-01.example.com")["tier"])

	c.SetPlayVars(map[string]interface{}{"tier": "play"})
	assert.Equal(t, "play", c.MergedVars("web-01.example.com")["tier"])

	c.RegisterResult("web-01.example.com", "tier", "registered")
	assert.Equal(t, "registered", c.MergedVars("web-01.example.com")["tier"])

	c.SetHostFact("web-01.example.com", "tier", "fact")
	assert.Equal(t, "fact", c.MergedVars("web-01.example.com")["tier"])

	c.SetExtraVars(map[string]interface{}{"tier": "extra"})
	assert.Equal(t, "extra", c.MergedVars("web-01.example.com")["tier"])

	// Lower layers still visible where not shadowed.
	vars := c.MergedVars("web-01.example.com")
	assert.Equal(t, "v1", vars["release"])
	assert.Equal(t, "10.0.0.53", vars["dns"])
}

func TestBlockAndTaskOverlays(t *testing.T) {
	c := setupTestContext(t)
	c.SetPlayVars(map[string]interface{}{"tier": "play", "color": "blue"})

	vars := c.MergedVarsWith("web-01.example.com",
		map[string]interface{}{"tier": "block"},
		map[string]interface{}{"color": "green"})
	assert.Equal(t, "block", vars["tier"], "block vars sit above play vars")
	assert.Equal(t, "green", vars["color"], "task vars sit above block vars")

	// Registered results still beat task vars.
	c.RegisterResult("web-01.example.com", "color", "registered")
	vars = c.MergedVarsWith("web-01.example.com", nil, map[string]interface{}{"color": "green"})
	assert.Equal(t, "registered", vars["color"])
}

func TestVarsAreScopedPerHost(t *testing.T) {
	c := setupTestContext(t)

	c.SetHostFact("web-01.example.com", "deployed", true)
	assert.Equal(t, true, c.MergedVars("web-01.example.com")["deployed"])
	assert.NotContains(t, c.MergedVars("db-01"), "deployed")
}

func TestMergedVarsReturnsIsolatedCopy(t *testing.T) {
	c := setupTestContext(t)
	c.SetPlayVars(map[string]interface{}{"nested": map[string]interface{}{"key": "original"}})

	vars := c.MergedVars("db-01")
	vars["nested"].(map[string]interface{})["key"] = "mutated"

	again := c.MergedVars("db-01")
	assert.Equal(t, "original", again["nested"].(map[string]interface{})["key"])
}

func TestMergedVarsCacheInvalidation(t *testing.T) {
	c := setupTestContext(t)

	first := c.MergedVars("db-01")
	assert.NotContains(t, first, "version")

	c.RegisterResult("db-01", "version", "1.2.3")
	assert.Equal(t, "1.2.3", c.MergedVars("db-01")["version"])

	c.SetHostFact("db-01", "version", "2.0.0")
	assert.Equal(t, "2.0.0", c.MergedVars("db-01")["version"])
}

func TestMergedVarsSeesConcurrentWrites(t *testing.T) {
	c := setupTestContext(t)

	// Readers racing a writer must never re-cache a merge that predates the
	// writer's invalidation. After each round the fact's latest value has to
	// be visible, no matter how the reads interleaved.
	for i := 0; i < 200; i++ {
		done := make(chan struct{})
		go func() {
			for j := 0; j < 5; j++ {
				c.MergedVars("db-01")
			}
			close(done)
		}()
		c.SetHostFact("db-01", "seq", i)
		<-done
		require.Equal(t, i, c.MergedVars("db-01")["seq"], "round %d", i)
	}
}

func TestUnknownHostWritesAreIgnored(t *testing.T) {
	c := setupTestContext(t)
	c.SetHostFact("ghost", "key", "value")
	c.RegisterResult("ghost", "key", "value")
	assert.NotContains(t, c.HostNames(), "ghost")
}

func TestHandlerNotificationDedup(t *testing.T) {
	c := setupTestContext(t)

	assert.True(t, c.NotifyHandler("restart nginx"))
	for i := 0; i < 4; i++ {
		assert.False(t, c.NotifyHandler("restart nginx"), "repeat notifications collapse")
	}
	assert.True(t, c.Notified("restart nginx"))

	require.True(t, c.MarkHandlerExecuted("restart nginx"))
	assert.False(t, c.Notified("restart nginx"), "execution consumes the notification")
	assert.False(t, c.MarkHandlerExecuted("restart nginx"), "a handler runs at most once per play")

	// Re-notification after execution does not re-arm it within the play.
	c.NotifyHandler("restart nginx")
	assert.False(t, c.MarkHandlerExecuted("restart nginx"))
}

func TestMarkHandlerExecutedRequiresNotification(t *testing.T) {
	c := setupTestContext(t)
	assert.False(t, c.MarkHandlerExecuted("restart nginx"))
}

func TestBeginPlayResetsPlayState(t *testing.T) {
	c := setupTestContext(t)

	c.SetPlayVars(map[string]interface{}{"color": "blue"})
	c.NotifyHandler("restart nginx")
	require.True(t, c.MarkHandlerExecuted("restart nginx"))

	c.BeginPlay(map[string]interface{}{"color": "red"})
	assert.Equal(t, "red", c.MergedVars("db-01")["color"])
	assert.False(t, c.Notified("restart nginx"))

	// A fresh play lets the handler run again.
	c.NotifyHandler("restart nginx")
	assert.True(t, c.MarkHandlerExecuted("restart nginx"))
}

func TestFactsSurvivePlayBoundaries(t *testing.T) {
	c := setupTestContext(t)
	c.SetHostFact("db-01", "bootstrapped", true)
	c.BeginPlay(nil)
	assert.Equal(t, true, c.MergedVars("db-01")["bootstrapped"])
}
