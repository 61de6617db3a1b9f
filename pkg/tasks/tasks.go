// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

import (
	"strings"
	"time"
)

// IngestTask 是一次异步的食品事实导入请求，Query 与 Barcode 至少提供一个。
type IngestTask struct {
	Query       string    `json:"query,omitempty"`
	Barcode     string    `json:"barcode,omitempty"`
	Refresh     bool      `json:"refresh"`
	RequestedBy string    `json:"requested_by,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Key 返回任务的去重键，用于失败计数。
func (t IngestTask) Key() string {
	if t.Barcode != "" {
		return "barcode:" + strings.TrimSpace(t.Barcode)
	}
	return "name:" + strings.Join(strings.Fields(strings.ToLower(t.Query)), " ")
}
