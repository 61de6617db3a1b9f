package generation

import (
	"fmt"
	"strings"

	"nutri-advisor-go/internal/config"
	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/pkg/llm"
)

const defaultRules = `You are a careful nutrition assistant.
Only use numbers that appear in the reference block or in the computed portion values.
Cite the reference facts you rely on with their marker, for example [1].
Keep the answer under 150 words.`

// PromptBuilder 生成确定性的提示：相同输入得到完全相同的消息序列。
type PromptBuilder struct {
	cfg config.LLMPromptConfig
}

func NewPromptBuilder(cfg config.LLMPromptConfig) *PromptBuilder {
	return &PromptBuilder{cfg: cfg}
}

// Build 返回 system + 历史 + user 消息。
func (b *PromptBuilder) Build(req Request) []llm.Message {
	msgs := make([]llm.Message, 0, len(req.History)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: b.systemMessage(req.Evidence)})
	for _, h := range req.History {
		msgs = append(msgs, llm.Message{Role: h.Role, Content: h.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: b.userMessage(req)})
	return msgs
}

func (b *PromptBuilder) systemMessage(evidence []model.Evidence) string {
	rules := b.cfg.Rules
	if rules == "" {
		rules = defaultRules
	}
	refStart := b.cfg.RefStart
	if refStart == "" {
		refStart = "<<REF>>"
	}
	refEnd := b.cfg.RefEnd
	if refEnd == "" {
		refEnd = "<<END>>"
	}

	var sys strings.Builder
	sys.WriteString(rules)
	sys.WriteString("\n\n")
	sys.WriteString(refStart)
	sys.WriteString("\n")
	if len(evidence) == 0 {
		noRes := b.cfg.NoResultText
		if noRes == "" {
			noRes = "(no nutrition facts were retrieved for this request)"
		}
		sys.WriteString(noRes)
		sys.WriteString("\n")
	}
	for _, e := range evidence {
		sys.WriteString(fmt.Sprintf("[%d] %s (similarity %.3f)\n", e.Rank, e.Fact.FactText, e.Similarity))
	}
	sys.WriteString(refEnd)
	return sys.String()
}

func (b *PromptBuilder) userMessage(req Request) string {
	var sb strings.Builder
	sb.WriteString(userProfileLine(req.User))
	sb.WriteString("\n")
	if req.Context != "" {
		sb.WriteString("Context: " + req.Context + "\n")
	}

	if req.Kind == KindChat {
		sb.WriteString("Question: " + req.Message)
		return sb.String()
	}

	sb.WriteString(fmt.Sprintf("Food: %s\nQuantity: %.0f g\n", req.Food, req.Quantity))
	if req.Expected != nil {
		sb.WriteString(fmt.Sprintf("Computed for this portion: %.0f kcal, %.1f g protein, %.1f g carbs, %.1f g fat\n",
			req.Expected.Calories, req.Expected.Protein, req.Expected.Carbs, req.Expected.Fat))
	}
	if c := req.Classification; c != nil {
		verdict := "Not recommended"
		if c.Recommended {
			verdict = "Recommended"
		}
		sb.WriteString(fmt.Sprintf("Classification: %s (confidence %.2f, source %s)\n", verdict, c.Confidence, c.Source))
	}
	sb.WriteString("Explain in a conversational and encouraging tone why this food is or is not a good choice for this user.")
	return sb.String()
}

func userProfileLine(u model.UserContext) string {
	t := u.Targets
	line := fmt.Sprintf("User: goal %s, daily targets %.0f kcal / %.0f g protein / %.0f g carbs / %.0f g fat",
		strings.ReplaceAll(u.Goal(), "_", " "), t.Calories, t.Protein, t.Carbs, t.Fat)
	if u.Known {
		line += fmt.Sprintf(", age %d, BMI %.1f", u.Age(), u.BMI())
		if p := u.Profile; p != nil {
			if p.Allergies != "" {
				line += ", allergies: " + p.Allergies
			}
			if p.HealthConditions != "" {
				line += ", health conditions: " + p.HealthConditions
			}
		}
	}
	return line
}

// Params 按提示类型选择温度：解释接近 0，对话更高。
func Params(kind Kind, cfg config.LLMGenerationConfig) *llm.GenerationParams {
	temp := cfg.ExplainTemperature
	if kind == KindChat {
		temp = cfg.ChatTemperature
	}
	gp := &llm.GenerationParams{Temperature: &temp}
	if cfg.TopP != 0 {
		p := cfg.TopP
		gp.TopP = &p
	}
	if cfg.MaxTokens != 0 {
		m := cfg.MaxTokens
		gp.MaxTokens = &m
	}
	return gp
}
