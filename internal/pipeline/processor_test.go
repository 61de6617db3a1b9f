package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/internal/service"
	"nutri-advisor-go/pkg/tasks"
)

type stubIngest struct {
	service.IngestService
	outcome service.IngestOutcome
	err     error
	refresh bool
}

func (s *stubIngest) Ingest(_ context.Context, item service.IngestItem, refresh bool) (*model.NutritionFact, service.IngestOutcome, error) {
	s.refresh = refresh
	if s.err != nil {
		return nil, "", s.err
	}
	return &model.NutritionFact{Identity: "off:" + item.Barcode, Revision: 1}, s.outcome, nil
}

type stubIndex struct {
	service.IndexService
	rebuilds atomic.Int32
}

func (s *stubIndex) Rebuild(context.Context) (service.IndexStatus, error) {
	n := s.rebuilds.Add(1)
	return service.IndexStatus{Generation: uint64(n)}, nil
}

func TestProcessor_RebuildsOnlyWhenFactsChange(t *testing.T) {
	ingest := &stubIngest{outcome: service.OutcomeReused}
	index := &stubIndex{}
	p := NewProcessor(ingest, index, 0)

	require.NoError(t, p.Process(context.Background(), tasks.IngestTask{Barcode: "123"}))
	assert.Equal(t, int32(0), index.rebuilds.Load())

	ingest.outcome = service.OutcomeRevised
	require.NoError(t, p.Process(context.Background(), tasks.IngestTask{Barcode: "123", Refresh: true}))
	assert.True(t, ingest.refresh)
	assert.Equal(t, int32(1), index.rebuilds.Load())
}

func TestProcessor_CoalescesRebuilds(t *testing.T) {
	ingest := &stubIngest{outcome: service.OutcomeCreated}
	index := &stubIndex{}
	p := NewProcessor(ingest, index, 50*time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Process(context.Background(), tasks.IngestTask{Query: "rice"}))
	}
	assert.Equal(t, int32(1), index.rebuilds.Load())
	assert.Eventually(t, func() bool { return index.rebuilds.Load() == 2 }, time.Second, 10*time.Millisecond)
}

func TestProcessor_KeepsErrorKind(t *testing.T) {
	ingest := &stubIngest{err: model.NewNotFoundError("ingest", "no product")}
	p := NewProcessor(ingest, nil, 0)

	err := p.Process(context.Background(), tasks.IngestTask{Query: "unobtainium"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.False(t, model.IsTransient(err))
}
