// Package kafka 提供了与 Kafka 消息队列交互的功能：导入任务的生产与消费，以及监控记录的转发。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jpillora/backoff"
	"github.com/segmentio/kafka-go"

	"nutri-advisor-go/internal/config"
	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/pkg/log"
	"nutri-advisor-go/pkg/tasks"
)

// TaskProcessor 解耦消费者与具体的导入流程。
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.IngestTask) error
}

// Producer 向导入主题写入任务。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers(cfg)...),
		Topic:    cfg.IngestTopic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Infof("[Kafka] 生产者初始化成功, topic: %s", cfg.IngestTopic)
	return &Producer{writer: w}
}

// ProduceIngestTask 发送一个导入任务，消息键为任务去重键，保证同一食品落在同一分区。
func (p *Producer) ProduceIngestTask(ctx context.Context, task tasks.IngestTask) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.Key()),
		Value: taskBytes,
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// MonitoringPublisher 把每条监控记录转发到监控主题，供离线再训练消费。
type MonitoringPublisher struct {
	writer *kafka.Writer
}

func NewMonitoringPublisher(cfg config.KafkaConfig) *MonitoringPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers(cfg)...),
		Topic:        cfg.MonitoringTopic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 200 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Warnf("[Kafka] 监控记录转发失败, 条数: %d, error: %v", len(messages), err)
			}
		},
	}
	return &MonitoringPublisher{writer: w}
}

// Publish 异步写入一条监控记录。
func (p *MonitoringPublisher) Publish(ctx context.Context, record model.MonitoringRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(record.ID), Value: body})
}

func (p *MonitoringPublisher) Close() error {
	return p.writer.Close()
}

// StartConsumer 启动一个 Kafka 消费者来处理导入任务，直到 ctx 被取消。
// 瞬时失败在当前进程内按退避重试，达到 MaxAttempts 或遇到非瞬时错误后提交 offset。
// 失败次数记录在 Redis 中，进程重启后重新投递的任务沿用已有计数。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor TaskProcessor, rdb *redis.Client) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(cfg),
		Topic:    cfg.IngestTopic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	var counter AttemptCounter = newLocalCounter()
	if rdb != nil {
		counter = redisCounter{rdb: rdb}
	}
	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: true}

	log.Infof("[Kafka] 消费者已启动，正在监听主题 '%s'", cfg.IngestTopic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info("[Kafka] 消费者收到退出信号")
			} else {
				log.Error("[Kafka] 从 Kafka 读取消息失败", err)
			}
			break
		}

		log.Infof("[Kafka] 收到消息: offset %d", m.Offset)

		var task tasks.IngestTask
		if err := json.Unmarshal(m.Value, &task); err != nil {
			log.Errorf("[Kafka] 无法解析消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			commit(r, m)
			continue
		}

		if err := HandleTask(ctx, task, processor, counter, cfg.MaxAttempts, b); err != nil && ctx.Err() != nil {
			// 退出时不提交，重启后重新投递
			break
		}
		commit(r, m)
	}

	if err := r.Close(); err != nil {
		log.Errorf("[Kafka] 关闭消费者失败: %v", err)
	}
}

// AttemptCounter 记录任务的累计失败次数。
type AttemptCounter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string)
}

type redisCounter struct {
	rdb *redis.Client
}

func (c redisCounter) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err == nil {
		_ = c.rdb.Expire(ctx, key, 24*time.Hour).Err()
	}
	return n, err
}

func (c redisCounter) Reset(ctx context.Context, key string) {
	_ = c.rdb.Del(ctx, key).Err()
}

// localCounter 供未配置 Redis 时使用，只在单个消费者 goroutine 内访问。
type localCounter struct {
	counts map[string]int64
}

func newLocalCounter() *localCounter {
	return &localCounter{counts: make(map[string]int64)}
}

func (c *localCounter) Incr(_ context.Context, key string) (int64, error) {
	c.counts[key]++
	return c.counts[key], nil
}

func (c *localCounter) Reset(_ context.Context, key string) {
	delete(c.counts, key)
}

// HandleTask 处理一个任务，瞬时失败时等待退避后原地重试。
// 返回 nil 表示成功；返回错误表示已放弃或 ctx 已取消。
func HandleTask(ctx context.Context, task tasks.IngestTask, processor TaskProcessor, counter AttemptCounter, maxAttempts int, b *backoff.Backoff) error {
	key := AttemptsKey(task)
	b.Reset()
	var tries int64
	for {
		err := processor.Process(ctx, task)
		if err == nil {
			log.Infof("[Kafka] 导入任务成功: key=%s", task.Key())
			counter.Reset(ctx, key)
			return nil
		}
		tries++
		log.Errorf("[Kafka] 导入任务失败: key=%s, error: %v", task.Key(), err)

		attempts, incErr := counter.Incr(ctx, key)
		if incErr != nil || attempts < tries {
			// 计数不可用时按本进程的尝试次数判断
			attempts = tries
		}
		if GiveUp(err, attempts, maxAttempts) {
			log.Errorf("[Kafka] 导入任务放弃重试(attempts=%d): key=%s", attempts, task.Key())
			counter.Reset(ctx, key)
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
}

// AttemptsKey 返回任务在 Redis 中的失败计数键。
func AttemptsKey(task tasks.IngestTask) string {
	return fmt.Sprintf("kafka:attempts:%s", task.Key())
}

// GiveUp 判断是否提交 offset 终止重试：非瞬时错误立即放弃，瞬时错误达到上限后放弃。
func GiveUp(err error, attempts int64, maxAttempts int) bool {
	if !model.IsTransient(err) {
		return true
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return attempts >= int64(maxAttempts)
}

func commit(r *kafka.Reader, m kafka.Message) {
	if err := r.CommitMessages(context.Background(), m); err != nil {
		log.Errorf("[Kafka] 提交消息 offset 失败: %v", err)
	}
}

func brokers(cfg config.KafkaConfig) []string {
	var out []string
	for _, b := range strings.Split(cfg.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
