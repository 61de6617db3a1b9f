package admission

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer 去除用户输入中的 HTML 与控制字符。
type Sanitizer struct {
	policy *bluemonday.Policy
}

func NewSanitizer() *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize 去掉所有标签，还原实体，删除除换行与制表符以外的控制字符并压缩首尾空白。
func (s *Sanitizer) Sanitize(in string) string {
	out := html.UnescapeString(s.policy.Sanitize(in))
	out = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, out)
	return strings.TrimSpace(out)
}
