package simpleaction

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientTriggerBuilder(t *testing.T) {
	env := newTestEnv(t, reminderWorkflows()...)
	client := NewClientWithEngine(env.engine)
	defer client.Close()
	ctx := context.Background()

	event := t0.Add(-2 * time.Hour)
	attempts, err := client.Trigger("checkout.abandoned").
		For("cart", "cart_1").
		WithMeta(map[string]string{"email": "a@example.com"}).
		At(event).
		Execute(ctx)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	for _, a := range attempts {
		assert.JSONEq(t, `{"email":"a@example.com"}`, string(a.Meta))
	}
	assert.True(t, attempts[0].ScheduledAt.Equal(event.Add(24*time.Hour)))

	attempts, err = client.Workflow("appointment_prep").
		For("appointment", "apt_1").
		WithMeta(json.RawMessage(`{"room":"3B"}`)).
		Execute(ctx)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.JSONEq(t, `{"room":"3B"}`, string(attempts[0].Meta))

	require.NoError(t, client.Stop(ctx, attempts[0].ID))
	assert.ErrorIs(t, client.Stop(ctx, attempts[0].ID), ErrConflict)
}

func TestClientTriggerBuilderBadMeta(t *testing.T) {
	env := newTestEnv(t, reminderWorkflows()...)
	client := NewClientWithEngine(env.engine)

	_, err := client.Workflow("appointment_prep").
		For("appointment", "apt_1").
		WithMeta(make(chan int)).
		Execute(context.Background())
	assert.Error(t, err)
}

func TestNewClientSQLite(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "actions.db")
	require.NoError(t, Migrate(ctx, DriverSQLite, dsn))

	defs, err := NewStaticDefinitions(reminderWorkflows()...)
	require.NoError(t, err)
	client, err := NewClient(ctx, DriverSQLite, dsn, defs)
	require.NoError(t, err)
	defer client.Close()

	attempts, err := client.Trigger("appointment.booked").For("appointment", "apt_7").Execute(ctx)
	require.NoError(t, err)
	require.Len(t, attempts, 1)

	got, err := client.Engine().Get(ctx, attempts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "appointment_prep", got.WorkflowID)
}
