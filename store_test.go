package vitalsguard

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQLStore(context.Background(), "sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLStoreAnomalies(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLStore(t)
	require.NoError(t, s.HealthCheck(ctx))
	assert.Equal(t, "sql", s.Name())

	records := []AnomalyRecord{
		{ID: "a1", Time: testEpoch, Source: "10.0.0.1", TenantID: "ward-7", PatientID: "P-1", Reason: ReasonReplayed, Stage: StageFreshness, Detail: "seen", Payload: `{"x":1}`},
		{ID: "a2", Time: testEpoch.Add(time.Minute), Source: "10.0.0.2", PatientID: "P-2", Reason: ReasonForgedSignature, Stage: StageSignature},
		{ID: "a3", Time: testEpoch.Add(2 * time.Minute), Source: "10.0.0.1", PatientID: "P-1", Reason: ReasonReplayed, Stage: StageFreshness},
	}
	for _, rec := range records {
		require.NoError(t, s.WriteAnomaly(ctx, rec))
	}
	assert.Error(t, s.WriteAnomaly(ctx, records[0]), "ids are unique")

	all, err := s.ListAnomalies(ctx, AnomalyFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a3", all[0].ID, "newest first")
	assert.Equal(t, ReasonReplayed, all[2].Reason)
	assert.Equal(t, StageFreshness, all[2].Stage)
	assert.Equal(t, `{"x":1}`, all[2].Payload)
	assert.True(t, all[2].Time.Equal(testEpoch))

	replays, err := s.ListAnomalies(ctx, AnomalyFilter{Reason: ReasonReplayed, PatientID: "P-1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, replays, 1)
	assert.Equal(t, "a3", replays[0].ID)

	recent, err := s.ListAnomalies(ctx, AnomalyFilter{Since: testEpoch.Add(30 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	counts, err := s.CountByReason(ctx, testEpoch)
	require.NoError(t, err)
	assert.Equal(t, map[Reason]int{ReasonReplayed: 2, ReasonForgedSignature: 1}, counts)
}

func TestSQLStoreReadings(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLStore(t)

	first := testReading()
	second := testReading()
	second.ID = "r-2"
	second.MeasuredAt = testEpoch.Add(time.Second)
	require.NoError(t, s.WriteReading(ctx, second))
	require.NoError(t, s.WriteReading(ctx, first))

	got, err := s.ReadingsForPatient(ctx, "P-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r-1", got[0].ID)
	assert.Equal(t, "r-2", got[1].ID)
	assert.Equal(t, 97, got[0].SpO2)
	assert.InDelta(t, 36.8, got[0].Temp, 1e-9)

	none, err := s.ReadingsForPatient(ctx, "P-404")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLStorePostgresDialect(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewSQLStore(sqlx.NewDb(db, "postgres"))

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO anomalies (id, recorded_at, source, tenant_id, patient_id, reason, stage, detail, payload) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)).
		WithArgs("a1", testEpoch, "10.0.0.1", "", "P-1", "Replayed", "freshness", "", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.WriteAnomaly(ctx, AnomalyRecord{
		ID: "a1", Time: testEpoch, Source: "10.0.0.1", PatientID: "P-1", Reason: ReasonReplayed, Stage: StageFreshness,
	}))

	rows := sqlmock.NewRows([]string{"id", "recorded_at", "source", "tenant_id", "patient_id", "reason", "stage", "detail", "payload"}).
		AddRow("a1", testEpoch, "10.0.0.1", "", "P-1", "Replayed", "freshness", "", "")
	mock.ExpectQuery(regexp.QuoteMeta(`FROM anomalies WHERE reason = $1 AND recorded_at >= $2 ORDER BY recorded_at DESC LIMIT $3`)).
		WithArgs("Replayed", testEpoch, 10).
		WillReturnRows(rows)
	got, err := s.ListAnomalies(ctx, AnomalyFilter{Reason: ReasonReplayed, Since: testEpoch, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ReasonReplayed, got[0].Reason)

	require.NoError(t, mock.ExpectationsWereMet())
}
