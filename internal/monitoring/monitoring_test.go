package monitoring

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutri-advisor-go/internal/config"
	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/internal/repository"
	"nutri-advisor-go/pkg/storage"
)

type recordingPublisher struct {
	published []model.MonitoringRecord
	err       error
}

func (p *recordingPublisher) Publish(_ context.Context, rec model.MonitoringRecord) error {
	p.published = append(p.published, rec)
	return p.err
}

func newTestService(t *testing.T, publisher Publisher, store storage.ArtifactStore) *Service {
	t.Helper()
	repo, err := repository.NewMonitoringRepository(filepath.Join(t.TempDir(), "monitoring.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return NewService(repo, publisher, store, config.MonitoringConfig{})
}

func boolPtr(b bool) *bool { return &b }

func TestRecord_FillsIDAndPublishes(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	svc := newTestService(t, pub, nil)

	rec := &model.MonitoringRecord{RequestID: "req-1", Endpoint: "explain", SubjectID: "u1", Food: "apple", Quantity: 120}
	require.NoError(t, svc.Record(context.Background(), rec), "publisher errors do not fail the write")
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())
	require.Len(t, pub.published, 1)
	assert.Equal(t, rec.ID, pub.published[0].ID)

	records, err := svc.Records(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "apple", records[0].Food)
}

func TestAttachFeedback_Validation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil, nil)
	rec := &model.MonitoringRecord{Endpoint: "classify", SubjectID: "u1", Food: "pear"}
	require.NoError(t, svc.Record(ctx, rec))

	cases := []*model.Feedback{
		{RecordID: "", Label: model.FeedbackPositive},
		{RecordID: rec.ID, Label: "great"},
		{RecordID: rec.ID, Score: 6},
		{RecordID: rec.ID},
	}
	for _, fb := range cases {
		assert.Equal(t, model.KindValidation, model.KindOf(svc.AttachFeedback(ctx, fb)))
	}

	err := svc.AttachFeedback(ctx, &model.Feedback{RecordID: "missing", Label: model.FeedbackPositive})
	assert.ErrorIs(t, err, model.ErrNotFound)

	fb := &model.Feedback{RecordID: " " + rec.ID + " ", Label: " Positive "}
	require.NoError(t, svc.AttachFeedback(ctx, fb))
	assert.Equal(t, model.FeedbackPositive, fb.Label)
}

func TestAggregate_AccuracyProxy(t *testing.T) {
	records := []model.RecordWithFeedback{
		{
			MonitoringRecord: model.MonitoringRecord{Recommended: boolPtr(true), Confidence: 0.9, ClassifierSource: model.ClassifierSourceModel, VerifierStatus: model.StatusVerified, GenerationSource: model.GenerationSourceBackend},
			Feedback:         &model.Feedback{Label: model.FeedbackPositive},
		},
		{
			MonitoringRecord: model.MonitoringRecord{Recommended: boolPtr(true), Confidence: 0.7, ClassifierSource: model.ClassifierSourceHeuristic, Degraded: true, VerifierStatus: model.StatusCorrected, GenerationSource: model.GenerationSourceTemplate},
			Feedback:         &model.Feedback{Score: 1},
		},
		{
			MonitoringRecord: model.MonitoringRecord{Recommended: boolPtr(false), Confidence: 0.8, ClassifierSource: model.ClassifierSourceModel},
			Feedback:         &model.Feedback{Label: model.FeedbackNeutral},
		},
		{
			MonitoringRecord: model.MonitoringRecord{Endpoint: "chat", GenerationSource: model.GenerationSourceBackend},
			Feedback:         &model.Feedback{Label: model.FeedbackPositive},
		},
	}

	sum := Aggregate(records)
	assert.Equal(t, 4, sum.Total)
	assert.Equal(t, 2, sum.Recommended)
	assert.Equal(t, 1, sum.Degraded)
	assert.Equal(t, 2, sum.WithFeedback, "neutral feedback and unclassified records are skipped")
	assert.Equal(t, 1, sum.Agreements)
	require.NotNil(t, sum.AccuracyProxy)
	assert.Equal(t, 0.5, *sum.AccuracyProxy)
	assert.Equal(t, 0.8, sum.MeanConfidence)
	assert.Equal(t, 2, sum.ByClassifier[model.ClassifierSourceModel])
	assert.Equal(t, 2, sum.BySource[model.GenerationSourceBackend])
	assert.Equal(t, 1, sum.ByVerifierStatus[model.StatusCorrected])
}

func TestAggregate_NoFeedbackHasNoAccuracy(t *testing.T) {
	sum := Aggregate(nil)
	assert.Zero(t, sum.Total)
	assert.Nil(t, sum.AccuracyProxy)
	assert.NotNil(t, sum.ByVerifierStatus)
}

func TestSummary_WindowValidation(t *testing.T) {
	svc := newTestService(t, nil, nil)
	_, err := svc.Summary(context.Background(), -1)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
	_, err = svc.Summary(context.Background(), 366)
	assert.Equal(t, model.KindValidation, model.KindOf(err))

	sum, err := svc.Summary(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 7, sum.WindowDays)
}

func TestWriteCSV_HeaderAndFeedbackColumns(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []model.RecordWithFeedback{{
		MonitoringRecord: model.MonitoringRecord{
			ID: "r1", CreatedAt: created, Endpoint: "explain", Food: "oats", Quantity: 80,
			Recommended: boolPtr(true), Confidence: 0.91, FeatureNames: []string{"calories"}, Features: []float64{300.5},
		},
		Feedback: &model.Feedback{Label: model.FeedbackNegative, Score: 2},
	}}

	var buf bytes.Buffer
	n, err := WriteCSV(&buf, records)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, csvHeader, rows[0])

	row := make(map[string]string, len(csvHeader))
	for i, name := range csvHeader {
		row[name] = rows[1][i]
	}
	assert.Equal(t, "2026-03-01T12:00:00Z", row["created_at"])
	assert.Equal(t, "true", row["recommended"])
	assert.Equal(t, "0.9100", row["confidence"])
	assert.Equal(t, `["calories"]`, row["feature_names"])
	assert.Equal(t, "[300.5]", row["features"])
	assert.Equal(t, "negative", row["feedback_label"])
	assert.Equal(t, "0", row["feedback_positive"])
}

func TestExportToStore(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewFSStore(afero.NewMemMapFs(), "artifacts")
	require.NoError(t, err)
	svc := newTestService(t, nil, store)
	svc.now = func() time.Time { return time.Date(2026, 10, 1, 8, 30, 0, 0, time.UTC) }

	require.NoError(t, svc.Record(ctx, &model.MonitoringRecord{Endpoint: "classify", Food: "rice"}))
	require.NoError(t, svc.Record(ctx, &model.MonitoringRecord{Endpoint: "chat"}))

	key, rows, err := svc.ExportToStore(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "exports/monitoring/20261001T083000Z.csv", key)
	assert.Equal(t, 2, rows)

	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	lines, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	assert.Len(t, lines, 3)

	_, _, err = newTestService(t, nil, nil).ExportToStore(ctx, 1)
	assert.Error(t, err)
}
