// Package generation 根据证据与分类结果生成解释或对话文本。
// 外部后端与确定性模板是同一能力的两个实现，选择只发生在 Service 中。
package generation

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/pkg/llm"
	"nutri-advisor-go/pkg/log"
)

// Kind 是提示类型，决定提示结构与采样温度。
type Kind string

const (
	KindExplain Kind = "explain"
	KindChat    Kind = "chat"
)

// Disclaimer 附加在每条解释末尾。
const Disclaimer = "Disclaimer: this guidance is informational and does not replace advice from a doctor or registered dietitian."

// Request 是一次生成所需的全部输入。Fact 为 nil 表示食物未能解析。
type Request struct {
	Kind           Kind
	Food           string
	Quantity       float64
	Fact           *model.NutritionFact
	Expected       *model.MacroSet
	Evidence       []model.Evidence
	Classification *model.ClassificationResult
	User           model.UserContext
	Context        string
	Message        string
	History        []model.ChatMessage
}

// Output 是生成结果。Cause 在发生回退时记录后端错误。
type Output struct {
	Text      string
	Citations []int
	Source    string
	Degraded  bool
	Cause     error
}

// Explainer 是“根据证据生成说明文本”的能力。
type Explainer interface {
	Name() string
	Source() string
	Generate(ctx context.Context, req Request) (Output, error)
}

// Service 优先使用外部后端，失败时回退到模板。backend 可以为 nil。
type Service struct {
	backend  Explainer
	template Explainer
}

func NewService(backend, template Explainer) *Service {
	return &Service{backend: backend, template: template}
}

// BackendAvailable 报告是否配置了外部后端。
func (s *Service) BackendAvailable() bool {
	return s.backend != nil
}

// Backend 返回外部后端，未配置时为 nil。
func (s *Service) Backend() Explainer {
	return s.backend
}

// Generate 选择实现并生成文本。返回的 error 只在模板也失败时非空。
func (s *Service) Generate(ctx context.Context, req Request) (Output, error) {
	var cause error
	if s.backend != nil {
		out, err := s.backend.Generate(ctx, req)
		if err == nil && strings.TrimSpace(out.Text) != "" {
			out.Source = s.backend.Source()
			out.Text = finalize(req.Kind, out.Text)
			return out, nil
		}
		cause = err
		if cause == nil {
			cause = model.NewUpstreamError("generation.backend", errEmptyText, false)
		}
		log.Warnf("[Generation] 后端 %s 生成失败，回退到模板: %v", s.backend.Name(), cause)
	}

	out, err := s.fallback(ctx, req, cause)
	out.Degraded = s.backend != nil
	return out, err
}

var errEmptyText = emptyTextError{}

type emptyTextError struct{}

func (emptyTextError) Error() string { return "backend returned empty text" }

// finalize 保证解释类文本以免责声明结尾。
func finalize(kind Kind, text string) string {
	text = strings.TrimSpace(text)
	if kind == KindExplain {
		return EnsureDisclaimer(text)
	}
	return text
}

// EnsureDisclaimer 在缺少免责声明时追加。
func EnsureDisclaimer(text string) string {
	if strings.Contains(text, Disclaimer) {
		return text
	}
	if text == "" {
		return Disclaimer
	}
	return text + "\n\n" + Disclaimer
}

var citationPattern = regexp.MustCompile(`\[(\d+)\]`)

// ParseCitations 按首次出现顺序返回文本中引用的证据序号，超出范围的序号丢弃。
func ParseCitations(text string, evidenceCount int) []int {
	seen := make(map[int]bool)
	out := []int{}
	for _, m := range citationPattern.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > evidenceCount || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// Streamer 由支持流式输出的实现提供。
type Streamer interface {
	Stream(ctx context.Context, req Request, writer llm.MessageWriter) (string, error)
}

// Stream 把生成结果以分块写入 writer。后端在写出任何内容前失败时整段改用模板；
// 中途失败时保留已写出的部分并标记降级。
func (s *Service) Stream(ctx context.Context, req Request, writer llm.MessageWriter) (Output, error) {
	if st, ok := s.backend.(Streamer); ok {
		text, err := st.Stream(ctx, req, writer)
		if err == nil && strings.TrimSpace(text) != "" {
			return Output{Text: text, Citations: ParseCitations(text, len(req.Evidence)), Source: s.backend.Source()}, nil
		}
		if err == nil {
			err = model.NewUpstreamError("generation.stream", errEmptyText, false)
		}
		log.Warnf("[Generation] 流式生成失败: %v", err)
		if text != "" {
			return Output{Text: text, Citations: ParseCitations(text, len(req.Evidence)), Source: s.backend.Source(), Degraded: true, Cause: err}, nil
		}
		out, terr := s.fallback(ctx, req, err)
		if terr != nil {
			return Output{}, terr
		}
		return out, writer.WriteMessage(websocket.TextMessage, []byte(out.Text))
	}

	out, err := s.Generate(ctx, req)
	if err != nil {
		return Output{}, err
	}
	return out, writer.WriteMessage(websocket.TextMessage, []byte(out.Text))
}

func (s *Service) fallback(ctx context.Context, req Request, cause error) (Output, error) {
	out, err := s.template.Generate(ctx, req)
	if err != nil {
		return Output{}, err
	}
	out.Source = s.template.Source()
	// 模板回答不论类型都带免责声明
	out.Text = EnsureDisclaimer(strings.TrimSpace(out.Text))
	out.Degraded = true
	out.Cause = cause
	return out, nil
}
