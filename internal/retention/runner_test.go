package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/internal/conf"
	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/logger"
	"github.com/tidemark-io/tidemark/internal/repository"
	"github.com/tidemark-io/tidemark/internal/tsdb"
)

type runnerFixture struct {
	runner    *Runner
	retention repository.RetentionRepository
	gateway   tsdb.Gateway
}

func newRunnerFixture(t *testing.T, floorDays int) *runnerFixture {
	t.Helper()
	db, err := repository.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))

	f := &runnerFixture{
		retention: repository.NewRetentionRepository(db),
		gateway:   tsdb.NewGormGateway(db),
	}
	f.runner = NewRunner(conf.RetentionSettings{FloorDays: floorDays}, f.retention, f.gateway, logger.NewNop())
	return f
}

func (f *runnerFixture) seedReadings(t *testing.T, ages ...time.Duration) {
	t.Helper()
	now := time.Now().UTC()
	rows := make([]entities.Reading, 0, len(ages))
	for _, age := range ages {
		v := 1.0
		rows = append(rows, entities.Reading{
			TenantID: "t1", DeviceID: "d1", Key: "temp",
			Ts: now.Add(-age), NumericValue: &v, Quality: 100,
		})
	}
	require.NoError(t, f.gateway.AppendBatch(context.Background(), "t1", rows))
}

func day(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func TestExecute_DropsPastHorizonAndRecordsRun(t *testing.T) {
	f := newRunnerFixture(t, 1)
	f.seedReadings(t, day(40), day(35), day(10))

	policy := &entities.RetentionPolicy{
		ID: "p1", TenantID: "t1", Name: "month", RetentionDays: 30, Schedule: "@daily",
	}
	run, err := f.runner.Execute(context.Background(), policy)
	require.NoError(t, err)
	assert.EqualValues(t, 2, run.RowsDeleted)
	assert.EqualValues(t, 2*estimatedRowBytes, run.BytesFreed)
	assert.Empty(t, run.Errors)
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, -30), run.Cutoff, time.Minute)

	runs, _, err := f.retention.ListRuns(context.Background(), "p1", repository.Page{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.EqualValues(t, 2, runs[0].RowsDeleted)

	// The young reading survives.
	last, err := f.gateway.Last(context.Background(), "t1", "d1", "temp")
	require.NoError(t, err)
	assert.NotNil(t, last)
}

func TestExecute_FloorClampsAggressivePolicy(t *testing.T) {
	f := newRunnerFixture(t, 30)
	f.seedReadings(t, day(10))

	// The policy asks for a one-day horizon; the deployment floor wins.
	policy := &entities.RetentionPolicy{
		ID: "p1", TenantID: "t1", Name: "eager", RetentionDays: 1, Schedule: "@daily",
	}
	run, err := f.runner.Execute(context.Background(), policy)
	require.NoError(t, err)
	assert.EqualValues(t, 0, run.RowsDeleted)
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, -30), run.Cutoff, time.Minute)

	last, err := f.gateway.Last(context.Background(), "t1", "d1", "temp")
	require.NoError(t, err)
	assert.NotNil(t, last, "nothing younger than the floor is ever deleted")
}

func TestExecute_SelectorScopesTheDrop(t *testing.T) {
	f := newRunnerFixture(t, 1)
	now := time.Now().UTC()
	v := 1.0
	require.NoError(t, f.gateway.AppendBatch(context.Background(), "t1", []entities.Reading{
		{TenantID: "t1", DeviceID: "d1", Key: "temp", Ts: now.Add(-day(40)), NumericValue: &v},
		{TenantID: "t1", DeviceID: "d2", Key: "temp", Ts: now.Add(-day(40)), NumericValue: &v},
	}))

	policy := &entities.RetentionPolicy{
		ID: "p1", TenantID: "t1", Name: "d1 only", DeviceID: "d1",
		RetentionDays: 30, Schedule: "@daily",
	}
	run, err := f.runner.Execute(context.Background(), policy)
	require.NoError(t, err)
	assert.EqualValues(t, 1, run.RowsDeleted)

	last, err := f.gateway.Last(context.Background(), "t1", "d2", "temp")
	require.NoError(t, err)
	assert.NotNil(t, last)
}

func TestExecute_BadArchiveTargetRecordsFailedRun(t *testing.T) {
	f := newRunnerFixture(t, 1)
	f.seedReadings(t, day(40))

	policy := &entities.RetentionPolicy{
		ID: "p1", TenantID: "t1", Name: "archived", RetentionDays: 30,
		ArchiveTarget: "::not-a-url::", Schedule: "@daily",
	}
	run, err := f.runner.Execute(context.Background(), policy)
	require.Error(t, err)
	assert.NotEmpty(t, run.Errors, "failed runs are still recorded")
	assert.EqualValues(t, 0, run.RowsDeleted)

	last, err := f.gateway.Last(context.Background(), "t1", "d1", "temp")
	require.NoError(t, err)
	assert.NotNil(t, last, "an unconfirmed archive never drops rows")
}

func TestReload_SkipsInvalidSchedules(t *testing.T) {
	f := newRunnerFixture(t, 1)
	ctx := context.Background()
	require.NoError(t, f.retention.CreatePolicy(ctx, &entities.RetentionPolicy{
		ID: "good", TenantID: "t1", Name: "daily", RetentionDays: 30,
		Schedule: "@daily", Enabled: true,
	}))
	require.NoError(t, f.retention.CreatePolicy(ctx, &entities.RetentionPolicy{
		ID: "bad", TenantID: "t1", Name: "broken", RetentionDays: 30,
		Schedule: "every full moon", Enabled: true,
	}))
	require.NoError(t, f.retention.CreatePolicy(ctx, &entities.RetentionPolicy{
		ID: "off", TenantID: "t1", Name: "disabled", RetentionDays: 30,
		Schedule: "@daily", Enabled: false,
	}))

	require.NoError(t, f.runner.Reload(ctx))
	assert.Len(t, f.runner.entries, 1)
	assert.Contains(t, f.runner.entries, "good")
}
