// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"time"

	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/internal/repository"
)

// ConversationService 定义了对话业务逻辑的接口。
type ConversationService interface {
	GetConversationHistory(ctx context.Context, subjectID string) ([]model.ChatMessage, error)
	// AppendExchange 追加一问一答，仓库只保留最近的消息。
	AppendExchange(ctx context.Context, subjectID, question, answer string) error
}

type conversationService struct {
	repo repository.ConversationRepository
}

// NewConversationService 创建一个新的 ConversationService。
func NewConversationService(repo repository.ConversationRepository) ConversationService {
	return &conversationService{repo: repo}
}

// GetConversationHistory 获取用户当前会话的完整消息历史。
func (s *conversationService) GetConversationHistory(ctx context.Context, subjectID string) ([]model.ChatMessage, error) {
	conversationID, err := s.repo.GetOrCreateConversationID(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return s.repo.GetConversationHistory(ctx, conversationID)
}

func (s *conversationService) AppendExchange(ctx context.Context, subjectID, question, answer string) error {
	conversationID, err := s.repo.GetOrCreateConversationID(ctx, subjectID)
	if err != nil {
		return err
	}
	history, err := s.repo.GetConversationHistory(ctx, conversationID)
	if err != nil {
		return err
	}
	now := time.Now()
	history = append(history,
		model.ChatMessage{Role: "user", Content: question, Timestamp: now},
		model.ChatMessage{Role: "assistant", Content: answer, Timestamp: now},
	)
	return s.repo.UpdateConversationHistory(ctx, conversationID, history)
}
