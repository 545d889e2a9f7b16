package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/harvest-orchestrator/internal/clock/manual"
	"github.com/JakeFAU/harvest-orchestrator/internal/cooldown"
	"github.com/JakeFAU/harvest-orchestrator/internal/crypto"
	"github.com/JakeFAU/harvest-orchestrator/internal/events"
	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
	"github.com/JakeFAU/harvest-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/harvest-orchestrator/internal/storage/memory"
)

var fixtureStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	clock     *manual.Clock
	accounts  *memory.AccountStore
	sessions  *memory.SessionStore
	quality   *memory.QualityStore
	cooldowns *cooldown.Manager
	crypto    *crypto.Service
	registry  *Registry
	selector  *Selector
	emitter   *recordingEmitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := manual.New(fixtureStart)
	svc, err := crypto.New("test-passphrase", []byte("0123456789abcdef"), crypto.Params{Time: 1, MemoryKiB: 1024, Threads: 1})
	require.NoError(t, err)

	f := &fixture{
		clock:    clk,
		accounts: memory.NewAccountStore(),
		sessions: memory.NewSessionStore(),
		quality:  memory.NewQualityStore(),
		crypto:   svc,
		emitter:  &recordingEmitter{},
	}
	logger := zaptest.NewLogger(t)
	f.cooldowns = cooldown.NewManager(memory.NewCooldownStore(), clk, logger)
	f.registry = NewRegistry(RegistryDeps{
		Sessions:  f.sessions,
		Accounts:  f.accounts,
		Crypto:    svc,
		Cooldowns: f.cooldowns,
		IDs:       uuid.New(),
		Clock:     clk,
		Emitter:   f.emitter,
		Logger:    logger,
	})
	f.selector = NewSelector(SelectorDeps{
		Accounts:  f.accounts,
		Sessions:  f.sessions,
		Quality:   f.quality,
		Crypto:    svc,
		Cooldowns: f.cooldowns,
		Marker:    f.registry,
		Clock:     clk,
		Logger:    logger,
	})
	return f
}

func (f *fixture) addAccount(t *testing.T, a harvest.Account) {
	t.Helper()
	if a.OwnerUserID == "" {
		a.OwnerUserID = "user-1"
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = fixtureStart
	}
	require.NoError(t, f.accounts.CreateAccount(context.Background(), a))
}

func (f *fixture) sync(t *testing.T, accountID, creds string) harvest.Session {
	t.Helper()
	s, err := f.registry.Sync(context.Background(), accountID, []byte(creds))
	require.NoError(t, err)
	return s
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}
