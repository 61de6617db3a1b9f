// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"nutri-advisor-go/internal/model"
)

const (
	conversationTTL     = 7 * 24 * time.Hour
	conversationMaxMsgs = 20
)

// ConversationRepository 定义了对话历史记录的操作接口。
type ConversationRepository interface {
	GetOrCreateConversationID(ctx context.Context, subjectID string) (string, error)
	GetConversationHistory(ctx context.Context, conversationID string) ([]model.ChatMessage, error)
	UpdateConversationHistory(ctx context.Context, conversationID string, messages []model.ChatMessage) error
}

type redisConversationRepository struct {
	redisClient *redis.Client
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
func NewConversationRepository(redisClient *redis.Client) ConversationRepository {
	return &redisConversationRepository{redisClient: redisClient}
}

// GetOrCreateConversationID 获取或创建一个新的对话ID。
func (r *redisConversationRepository) GetOrCreateConversationID(ctx context.Context, subjectID string) (string, error) {
	subjectKey := fmt.Sprintf("subject:%s:current_conversation", subjectID)
	convID, err := r.redisClient.Get(ctx, subjectKey).Result()
	if err == redis.Nil {
		convID = uuid.NewString()
		if err := r.redisClient.Set(ctx, subjectKey, convID, conversationTTL).Err(); err != nil {
			return "", fmt.Errorf("failed to set conversation id: %w", err)
		}
		return convID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get conversation id: %w", err)
	}
	return convID, nil
}

// GetConversationHistory 从 Redis 获取对话历史记录。
func (r *redisConversationRepository) GetConversationHistory(ctx context.Context, conversationID string) ([]model.ChatMessage, error) {
	key := fmt.Sprintf("conversation:%s", conversationID)
	jsonData, err := r.redisClient.Get(ctx, key).Result()
	if err == redis.Nil {
		return []model.ChatMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation history: %w", err)
	}
	var messages []model.ChatMessage
	if err := json.Unmarshal([]byte(jsonData), &messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation history: %w", err)
	}
	return messages, nil
}

// UpdateConversationHistory 保留最近 20 条消息并刷新过期时间。
func (r *redisConversationRepository) UpdateConversationHistory(ctx context.Context, conversationID string, messages []model.ChatMessage) error {
	key := fmt.Sprintf("conversation:%s", conversationID)
	if len(messages) > conversationMaxMsgs {
		messages = messages[len(messages)-conversationMaxMsgs:]
	}
	jsonData, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation history: %w", err)
	}
	if err := r.redisClient.Set(ctx, key, jsonData, conversationTTL).Err(); err != nil {
		return fmt.Errorf("failed to set conversation history: %w", err)
	}
	return nil
}

// memoryConversationRepository 在未配置 Redis 时使用，不做过期处理。
type memoryConversationRepository struct {
	mu       sync.Mutex
	current  map[string]string
	messages map[string][]model.ChatMessage
}

// NewMemoryConversationRepository 创建进程内的对话仓库。
func NewMemoryConversationRepository() ConversationRepository {
	return &memoryConversationRepository{
		current:  make(map[string]string),
		messages: make(map[string][]model.ChatMessage),
	}
}

func (r *memoryConversationRepository) GetOrCreateConversationID(_ context.Context, subjectID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.current[subjectID]; ok {
		return id, nil
	}
	id := uuid.NewString()
	r.current[subjectID] = id
	return id, nil
}

func (r *memoryConversationRepository) GetConversationHistory(_ context.Context, conversationID string) ([]model.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ChatMessage, len(r.messages[conversationID]))
	copy(out, r.messages[conversationID])
	return out, nil
}

func (r *memoryConversationRepository) UpdateConversationHistory(_ context.Context, conversationID string, messages []model.ChatMessage) error {
	if len(messages) > conversationMaxMsgs {
		messages = messages[len(messages)-conversationMaxMsgs:]
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[conversationID] = append([]model.ChatMessage(nil), messages...)
	return nil
}
