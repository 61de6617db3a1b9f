package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jpillora/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutri-advisor-go/internal/config"
	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/pkg/tasks"
)

func TestGiveUp(t *testing.T) {
	transient := model.NewUpstreamError("foodapi.search", errors.New("503"), true)
	permanent := model.NewNotFoundError("foodapi.search", "no product")

	assert.True(t, GiveUp(permanent, 1, 3))
	assert.False(t, GiveUp(transient, 1, 3))
	assert.False(t, GiveUp(transient, 2, 3))
	assert.True(t, GiveUp(transient, 3, 3))
	assert.True(t, GiveUp(transient, 3, 0))
}

func TestAttemptsKey(t *testing.T) {
	assert.Equal(t, "kafka:attempts:name:greek yogurt", AttemptsKey(tasks.IngestTask{Query: "  Greek   Yogurt "}))
	assert.Equal(t, "kafka:attempts:barcode:3017620422003", AttemptsKey(tasks.IngestTask{Query: "x", Barcode: "3017620422003"}))
}

func TestBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, brokers(config.KafkaConfig{Brokers: "a:9092, b:9092,"}))
}

type flakyProcessor struct {
	errs  []error
	calls int
}

func (p *flakyProcessor) Process(context.Context, tasks.IngestTask) error {
	p.calls++
	if p.calls <= len(p.errs) {
		return p.errs[p.calls-1]
	}
	return nil
}

func fastBackoff() *backoff.Backoff {
	return &backoff.Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}
}

func TestHandleTask_RetriesTransientInPlace(t *testing.T) {
	transient := model.NewUpstreamError("foodapi.search", errors.New("503"), true)
	task := tasks.IngestTask{Query: "oats"}
	counter := newLocalCounter()

	p := &flakyProcessor{errs: []error{transient, transient}}
	require.NoError(t, HandleTask(context.Background(), task, p, counter, 3, fastBackoff()))
	assert.Equal(t, 3, p.calls)
	assert.Empty(t, counter.counts, "success clears the attempt count")

	p = &flakyProcessor{errs: []error{transient, transient, transient, transient}}
	err := HandleTask(context.Background(), task, p, counter, 3, fastBackoff())
	assert.ErrorIs(t, err, model.ErrUpstream)
	assert.Equal(t, 3, p.calls)
}

func TestHandleTask_PermanentErrorGivesUpAtOnce(t *testing.T) {
	p := &flakyProcessor{errs: []error{model.NewNotFoundError("foodapi.search", "no product")}}
	err := HandleTask(context.Background(), tasks.IngestTask{Query: "unobtainium"}, p, newLocalCounter(), 5, fastBackoff())
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Equal(t, 1, p.calls)
}

func TestHandleTask_StopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	transient := model.NewUpstreamError("foodapi.search", errors.New("timeout"), true)
	p := &flakyProcessor{errs: []error{transient, transient}}

	err := HandleTask(ctx, tasks.IngestTask{Query: "rice"}, p, newLocalCounter(), 3, &backoff.Backoff{Min: time.Hour, Max: time.Hour})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, p.calls)
}
