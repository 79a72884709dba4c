package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbhoorasingh/iperf-orchestrator/internal/db"
)

func TestAgentCreateAndLookup(t *testing.T) {
	t.Parallel()

	gdb := newTestDB(t)
	ctx := context.Background()
	repo := NewAgentRepository(gdb)

	agent := createAgent(t, gdb, "worker-1")

	byName, err := repo.GetByName(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, agent.ID, byName.ID)

	_, err = repo.GetByName(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	err = repo.Create(ctx, &db.Agent{Name: "worker-1", RegistrationKey: "x"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMarkSeenKeepsOSWhenEmpty(t *testing.T) {
	t.Parallel()

	gdb := newTestDB(t)
	ctx := context.Background()
	repo := NewAgentRepository(gdb)
	agent := createAgent(t, gdb, "worker-1")

	now := time.Now()
	require.NoError(t, repo.MarkSeen(ctx, agent.ID, now, "10.0.0.8", "Ubuntu 24.04"))

	// Heartbeats report no OS; the registration value must survive.
	require.NoError(t, repo.MarkSeen(ctx, agent.ID, now.Add(time.Second), "10.0.0.9", ""))

	got, err := repo.GetByID(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, db.AgentStatusOnline, got.Status)
	assert.Equal(t, "10.0.0.9", got.IPAddress)
	assert.Equal(t, "Ubuntu 24.04", got.OperatingSystem)
	require.NotNil(t, got.LastHeartbeat)
}

func TestStampFirstRegisteredOnlyOnce(t *testing.T) {
	t.Parallel()

	gdb := newTestDB(t)
	ctx := context.Background()
	repo := NewAgentRepository(gdb)
	agent := createAgent(t, gdb, "worker-1")

	first := time.Now().Add(-time.Hour)
	require.NoError(t, repo.StampFirstRegistered(ctx, agent.ID, first))
	require.NoError(t, repo.StampFirstRegistered(ctx, agent.ID, time.Now()))

	got, err := repo.GetByID(ctx, agent.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, first, got.FirstRegistered, time.Second)

	// The stamp leaves liveness alone.
	assert.Equal(t, db.AgentStatusOffline, got.Status)
	assert.Nil(t, got.LastHeartbeat)
}

func TestMarkOfflineBefore(t *testing.T) {
	t.Parallel()

	gdb := newTestDB(t)
	ctx := context.Background()
	repo := NewAgentRepository(gdb)

	quiet := createAgent(t, gdb, "quiet")
	fresh := createAgent(t, gdb, "fresh")

	now := time.Now()
	require.NoError(t, repo.MarkSeen(ctx, quiet.ID, now.Add(-time.Minute), "", ""))
	require.NoError(t, repo.MarkSeen(ctx, fresh.ID, now, "", ""))

	n, err := repo.MarkOfflineBefore(ctx, now.Add(-db.AgentLivenessWindow))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := repo.GetByID(ctx, quiet.ID)
	require.NoError(t, err)
	assert.Equal(t, db.AgentStatusOffline, got.Status)

	got, err = repo.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, db.AgentStatusOnline, got.Status)

	// Second sweep has nothing left to flip.
	n, err = repo.MarkOfflineBefore(ctx, now.Add(-db.AgentLivenessWindow))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSetDisabled(t *testing.T) {
	t.Parallel()

	gdb := newTestDB(t)
	ctx := context.Background()
	repo := NewAgentRepository(gdb)
	agent := createAgent(t, gdb, "worker-1")

	require.NoError(t, repo.SetDisabled(ctx, agent.ID, true))
	got, err := repo.GetByID(ctx, agent.ID)
	require.NoError(t, err)
	assert.True(t, got.Disabled)

	require.NoError(t, repo.SetDisabled(ctx, agent.ID, false))
	got, err = repo.GetByID(ctx, agent.ID)
	require.NoError(t, err)
	assert.False(t, got.Disabled)

	assert.ErrorIs(t, repo.SetDisabled(ctx, 99999, true), ErrNotFound)
}

func TestIdempotencyFirstWriteWins(t *testing.T) {
	t.Parallel()

	gdb := newTestDB(t)
	ctx := context.Background()
	repo := NewIdempotencyRepository(gdb)

	_, err := repo.Get(ctx, "k1", "/v1/agent/register")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.Put(ctx, &db.IdempotencyLog{
		Key: "k1", Endpoint: "/v1/agent/register", Status: 200, Response: `{"a":1}`,
	}))
	// Duplicate insert is swallowed; the first response stays.
	require.NoError(t, repo.Put(ctx, &db.IdempotencyLog{
		Key: "k1", Endpoint: "/v1/agent/register", Status: 500, Response: `{"b":2}`,
	}))

	entry, err := repo.Get(ctx, "k1", "/v1/agent/register")
	require.NoError(t, err)
	assert.Equal(t, 200, entry.Status)
	assert.Equal(t, `{"a":1}`, entry.Response)

	// Same key on a different endpoint is a distinct entry.
	require.NoError(t, repo.Put(ctx, &db.IdempotencyLog{
		Key: "k1", Endpoint: "/v1/agent/heartbeat", Status: 200, Response: `{}`,
	}))
	entry, err = repo.Get(ctx, "k1", "/v1/agent/heartbeat")
	require.NoError(t, err)
	assert.Equal(t, `{}`, entry.Response)
}

func TestReservationSweeps(t *testing.T) {
	t.Parallel()

	gdb := newTestDB(t)
	ctx := context.Background()
	agent := createAgent(t, gdb, "server-1")
	resv := NewReservationRepository(gdb)

	doneTask := createTask(t, gdb, agent.ID, db.TaskTypeServerStart, db.TaskStatusCanceled, nil)
	liveTask := createTask(t, gdb, agent.ID, db.TaskTypeServerStart, db.TaskStatusRunning, nil)

	require.NoError(t, gdb.Create(&db.PortReservation{AgentID: agent.ID, Port: 5201, TaskID: doneTask.ID}).Error)
	require.NoError(t, gdb.Create(&db.PortReservation{AgentID: agent.ID, Port: 5202, TaskID: liveTask.ID}).Error)

	released, err := resv.ReleaseTerminal(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	active, err := resv.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 5202, active[0].Port)

	// Nothing is old enough to be stale yet.
	stale, err := resv.ReleaseStale(ctx, time.Now().Add(-2*time.Hour), time.Now())
	require.NoError(t, err)
	assert.Zero(t, stale)

	// With the cutoff in the future everything live is stale.
	stale, err = resv.ReleaseStale(ctx, time.Now().Add(time.Hour), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stale)
}
