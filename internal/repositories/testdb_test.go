package repositories

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jbhoorasingh/iperf-orchestrator/internal/db"
)

// newTestDB opens a fresh in-memory sqlite database with the real migrations
// applied, so the tests exercise the same schema (including the partial
// unique index on live reservations) as production.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return database
}

func createAgent(t *testing.T, gdb *gorm.DB, name string) *db.Agent {
	t.Helper()

	agent := &db.Agent{
		Name:            name,
		RegistrationKey: "key-" + name,
		Status:          db.AgentStatusOffline,
	}
	require.NoError(t, NewAgentRepository(gdb).Create(context.Background(), agent))
	return agent
}

func createExercise(t *testing.T, gdb *gorm.DB, name string) *db.Exercise {
	t.Helper()

	exercise := &db.Exercise{Name: name, DurationSeconds: 30}
	require.NoError(t, NewExerciseRepository(gdb).Create(context.Background(), exercise))
	return exercise
}

func createTask(t *testing.T, gdb *gorm.DB, agentID uint, taskType, status string, payload db.JSONMap) *db.Task {
	t.Helper()

	if payload == nil {
		payload = db.JSONMap{}
	}
	task := &db.Task{
		Type:    taskType,
		AgentID: agentID,
		Status:  status,
		Payload: payload,
	}
	require.NoError(t, gdb.Create(task).Error)
	return task
}

// addTest wires a test with its two tasks and reservation through the
// repository, the way the AddTest handler does.
func addTest(t *testing.T, gdb *gorm.DB, exerciseID, serverAgentID, clientAgentID uint, port int) (*db.Test, *db.Task, *db.Task, error) {
	t.Helper()

	serverTask := &db.Task{
		Type:    db.TaskTypeServerStart,
		AgentID: serverAgentID,
		Status:  db.TaskStatusQueued,
		Payload: db.JSONMap{"port": port, "udp": false},
	}
	clientTask := &db.Task{
		Type:    db.TaskTypeClientRun,
		AgentID: clientAgentID,
		Status:  db.TaskStatusQueued,
		Payload: db.JSONMap{
			"server_ip": "127.0.0.1",
			"port":      port,
			"parallel":  1,
			"time":      10,
		},
	}
	test := &db.Test{
		ExerciseID:    exerciseID,
		ServerAgentID: serverAgentID,
		ClientAgentID: clientAgentID,
		ServerPort:    port,
		Parallel:      1,
		TimeSeconds:   10,
	}
	err := NewExerciseRepository(gdb).AddTest(context.Background(), test, serverTask, clientTask)
	return test, serverTask, clientTask, err
}
