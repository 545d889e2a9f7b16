package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

func TestKeys(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "harvest:cooldown:ACCOUNT:acct-1", cooldownKey(harvest.AccountRef("acct-1")))
	assert.Equal(t, "harvest:cooldowns:TARGET", cooldownIndexKey(harvest.EntityTarget))
	assert.Equal(t, "harvest:aborts:TARGET:tgt-1", abortKey(harvest.TargetRef("tgt-1")))
}

func TestNewLeaderDefaults(t *testing.T) {
	t.Parallel()

	l := NewLeader(nil, "maintenance", "host-a", 0)
	assert.Equal(t, DefaultLeaderTTL, l.ttl)
	assert.Equal(t, "harvest:maintenance", l.key)
}
