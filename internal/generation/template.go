package generation

import (
	"context"
	"fmt"
	"strings"

	"nutri-advisor-go/internal/model"
)

// TemplateExplainer 用确定性模板直接填入事实数值，不会产生未经计算的数字。
type TemplateExplainer struct{}

func NewTemplateExplainer() *TemplateExplainer {
	return &TemplateExplainer{}
}

func (TemplateExplainer) Name() string   { return "template" }
func (TemplateExplainer) Source() string { return model.GenerationSourceTemplate }

func (t TemplateExplainer) Generate(_ context.Context, req Request) (Output, error) {
	if req.Kind == KindChat {
		text := chatReply(req)
		return Output{Text: text, Citations: ParseCitations(text, len(req.Evidence))}, nil
	}
	text, citations := explainText(req)
	return Output{Text: text, Citations: citations}, nil
}

func explainText(req Request) (string, []int) {
	var sb strings.Builder
	citations := []int{}
	if req.Fact == nil {
		sb.WriteString(fmt.Sprintf("No verified nutrition facts were found for %q, so no numbers can be reported for it.", req.Food))
		if len(req.Evidence) > 0 {
			sb.WriteString(" The closest stored foods are: ")
			names := make([]string, 0, len(req.Evidence))
			for _, e := range req.Evidence {
				names = append(names, fmt.Sprintf("%s [%d]", e.Fact.Name, e.Rank))
				citations = append(citations, e.Rank)
			}
			sb.WriteString(strings.Join(names, "; "))
			sb.WriteString(".")
		}
		return EnsureDisclaimer(sb.String()), citations
	}

	marker := ""
	for _, e := range req.Evidence {
		if e.Fact.Identity == req.Fact.Identity {
			marker = fmt.Sprintf(" [%d]", e.Rank)
			citations = append(citations, e.Rank)
			break
		}
	}
	expected := req.Fact.Per100g().Scale(req.Quantity)
	if req.Expected != nil {
		expected = *req.Expected
	}
	per100 := req.Fact.Per100g()

	sb.WriteString(fmt.Sprintf("%s, %.0f g portion: %.0f kcal, %.1f g protein, %.1f g carbs and %.1f g fat%s.",
		req.Fact.Name, req.Quantity, expected.Calories, expected.Protein, expected.Carbs, expected.Fat, marker))
	sb.WriteString(fmt.Sprintf(" Per 100 g it provides %.0f kcal, %.1f g protein, %.1f g carbs and %.1f g fat.",
		per100.Calories, per100.Protein, per100.Carbs, per100.Fat))

	if t := req.User.Targets; t.Calories > 0 {
		sb.WriteString(fmt.Sprintf(" That is %.0f%% of your daily calorie target", expected.Calories/t.Calories*100))
		if t.Protein > 0 {
			sb.WriteString(fmt.Sprintf(" and %.0f%% of your protein target", expected.Protein/t.Protein*100))
		}
		sb.WriteString(".")
	}

	if c := req.Classification; c != nil {
		verdict := "is not recommended"
		if c.Recommended {
			verdict = "is recommended"
		}
		sb.WriteString(fmt.Sprintf(" Verdict: this portion %s for your %s goal (confidence %.0f%%).",
			verdict, strings.ReplaceAll(req.User.Goal(), "_", " "), c.Confidence*100))
		if c.Reasoning != "" {
			sb.WriteString(" " + strings.TrimSpace(c.Reasoning))
			if !strings.HasSuffix(c.Reasoning, ".") {
				sb.WriteString(".")
			}
		}
	}
	return EnsureDisclaimer(sb.String()), citations
}

var (
	greetings = []string{"hello", "hi", "hey", "good morning", "good afternoon", "good evening"}
	thanks    = []string{"thanks", "thank you", "thx", "appreciate it"}
	farewells = []string{"bye", "goodbye", "see you", "good night"}
)

// chatTopics 按顺序匹配，第一个命中的主题给出固定回答。
var chatTopics = []struct {
	keywords []string
	answer   func(model.UserContext) string
}{
	{
		keywords: []string{"protein", "muscle", "strength"},
		answer: func(model.UserContext) string {
			return "Protein supports muscle maintenance and overall health. Good sources include lean meats such as chicken and turkey, fish such as salmon and tuna, eggs and Greek yogurt, and plant foods such as beans, lentils and tofu. Aim for 1.2-2.0 g of protein per kg of body weight daily, spread across meals."
		},
	},
	{
		keywords: []string{"weight loss", "lose weight", "slimming", "cut weight"},
		answer: func(u model.UserContext) string {
			if u.Known && u.Profile != nil && u.Profile.TargetCalories != nil {
				target := *u.Profile.TargetCalories
				deficit := target * 0.2
				if deficit < 300 {
					deficit = 300
				}
				return fmt.Sprintf("For sustainable weight loss, keep a moderate deficit. Your daily target is %.0f kcal, so a deficit of about %.0f kcal per day is reasonable. Favour whole foods, include protein in every meal, train regularly and sleep 7-9 hours. A pace of 0.5-1 kg per week is sustainable.", target, deficit)
			}
			return "For weight loss, create a 300-500 kcal daily deficit, prioritise whole nutrient-dense foods, include protein in every meal to stay full, stay hydrated, sleep well and combine this with regular activity. Sustainable changes lead to lasting results."
		},
	},
	{
		keywords: []string{"calorie", "kcal", "energy intake"},
		answer: func(u model.UserContext) string {
			if u.Known && u.Profile != nil && u.Profile.TargetCalories != nil {
				return fmt.Sprintf("Based on your profile your daily calorie target is %.0f kcal. Track intake, favour foods that keep you full, include every food group and adjust with your activity level. Quality matters as much as quantity.", *u.Profile.TargetCalories)
			}
			return "Calorie needs depend on age, weight and activity. As a rough guide sedentary adults need 1,800-2,400 kcal a day and very active adults 2,800-3,500 kcal. Use tracking as a tool rather than a strict rule."
		},
	},
	{
		keywords: []string{"water", "hydration", "drink", "fluid", "thirsty"},
		answer: func(model.UserContext) string {
			return "Aim for 2-3 litres of water a day, more when active, in hot weather or when ill. Dark urine, a dry mouth and fatigue are signs of dehydration. Water-rich foods such as cucumber, watermelon and oranges help, and sugary drinks are best limited."
		},
	},
	{
		keywords: []string{"exercise", "workout", "fitness", "gym", "training", "cardio"},
		answer: func(model.UserContext) string {
			return "Combine nutrition with exercise: strength training 2-3 times a week, 150 minutes of moderate cardio weekly, protein within 2 hours after a workout, fluids during exercise and regular rest days for recovery."
		},
	},
}

// chatReply 先处理寒暄，再按主题回答，最后用检索到的事实兜底。
func chatReply(req Request) string {
	msg := strings.ToLower(strings.TrimSpace(req.Message))
	words := strings.Fields(strings.Trim(msg, "!.?, "))

	if len(words) <= 3 {
		switch {
		case hasPrefixAny(msg, greetings):
			return "Hello! I can help with food choices, portions and your nutrition goals. What would you like to know?"
		case hasPrefixAny(msg, thanks):
			return "You're welcome! Let me know if you have any other nutrition questions."
		case hasPrefixAny(msg, farewells):
			return "Goodbye! Keep making balanced choices."
		}
	}

	for _, topic := range chatTopics {
		for _, kw := range topic.keywords {
			if strings.Contains(msg, kw) {
				return topic.answer(req.User)
			}
		}
	}

	if len(req.Evidence) > 0 {
		e := req.Evidence[0]
		return fmt.Sprintf("Here is what I found: %s [%d]. Ask me about a specific food and portion for a personalised verdict.", e.Fact.FactText, e.Rank)
	}
	return "I'm here to help with your nutrition questions. Ask about healthy eating, protein needs, weight management or a specific food and portion."
}

func hasPrefixAny(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if s == p || strings.HasPrefix(s, p+" ") || strings.HasPrefix(s, p+"!") || strings.HasPrefix(s, p+",") || strings.HasPrefix(s, p+".") {
			return true
		}
	}
	return false
}
