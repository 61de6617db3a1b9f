// Package pipeline 定义了异步导入任务的处理流程。
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nutri-advisor-go/internal/service"
	"nutri-advisor-go/pkg/log"
	"nutri-advisor-go/pkg/tasks"
)

// Processor 消费导入任务：获取事实，事实库有变化时重建索引。
type Processor struct {
	ingest service.IngestService
	index  service.IndexService

	// 多个任务连续到达时合并重建，minRebuildGap 内最多重建一次
	minRebuildGap time.Duration
	mu            sync.Mutex
	lastRebuild   time.Time
	pending       bool
}

// NewProcessor 创建一个新的 Processor 实例。index 为 nil 时只导入不重建。
func NewProcessor(ingest service.IngestService, index service.IndexService, minRebuildGap time.Duration) *Processor {
	return &Processor{ingest: ingest, index: index, minRebuildGap: minRebuildGap}
}

// Process 处理单个导入任务。返回的错误保留分类，消费者据此判断是否重试。
func (p *Processor) Process(ctx context.Context, task tasks.IngestTask) error {
	log.Infof("[Processor] 开始处理导入任务, key: %s, refresh: %t, requestedBy: %s", task.Key(), task.Refresh, task.RequestedBy)

	// 1. 获取并保存事实
	fact, outcome, err := p.ingest.Ingest(ctx, service.IngestItem{Query: task.Query, Barcode: task.Barcode}, task.Refresh)
	if err != nil {
		log.Errorf("[Processor] 步骤1: 导入失败, key: %s, error: %v", task.Key(), err)
		return fmt.Errorf("导入 %s 失败: %w", task.Key(), err)
	}
	log.Infof("[Processor] 步骤1: 导入完成, identity: %s, revision: %d, outcome: %s", fact.Identity, fact.Revision, outcome)

	if outcome == service.OutcomeReused {
		return nil
	}

	// 2. 事实库有变化，重建索引
	return p.rebuild(ctx)
}

func (p *Processor) rebuild(ctx context.Context) error {
	if p.index == nil {
		return nil
	}
	p.mu.Lock()
	if since := time.Since(p.lastRebuild); since < p.minRebuildGap {
		if !p.pending {
			p.pending = true
			go p.deferredRebuild(p.minRebuildGap - since)
		}
		p.mu.Unlock()
		log.Infof("[Processor] 步骤2: 距上次重建不足 %s, 合并到延迟重建", p.minRebuildGap)
		return nil
	}
	p.lastRebuild = time.Now()
	p.mu.Unlock()

	status, err := p.index.Rebuild(ctx)
	if err != nil {
		log.Errorf("[Processor] 步骤2: 索引重建失败: %v", err)
		return fmt.Errorf("索引重建失败: %w", err)
	}
	log.Infof("[Processor] 步骤2: 索引已切换到第 %d 代, 条目数: %d", status.Generation, status.Entries)
	return nil
}

func (p *Processor) deferredRebuild(wait time.Duration) {
	time.Sleep(wait)
	p.mu.Lock()
	p.pending = false
	p.lastRebuild = time.Now()
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if status, err := p.index.Rebuild(ctx); err != nil {
		log.Errorf("[Processor] 延迟索引重建失败: %v", err)
	} else {
		log.Infof("[Processor] 延迟重建完成, 第 %d 代, 条目数: %d", status.Generation, status.Entries)
	}
}
