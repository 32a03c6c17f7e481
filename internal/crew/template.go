package crew

import (
	"fmt"
	"strings"
)

// formatDescription 用 vars 替换模板中的 {name} 占位符，{{ 与 }} 表示字面量花括号。
func formatDescription(tpl string, vars map[string]string) (string, error) {
	var out strings.Builder
	out.Grow(len(tpl))
	for i := 0; i < len(tpl); i++ {
		ch := tpl[i]
		switch ch {
		case '{':
			if i+1 < len(tpl) && tpl[i+1] == '{' {
				out.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(tpl[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("single '{' encountered in format string")
			}
			name := tpl[i+1 : i+1+end]
			value, ok := vars[name]
			if !ok {
				return "", fmt.Errorf("unknown placeholder {%s}", name)
			}
			out.WriteString(value)
			i += end + 1
		case '}':
			if i+1 < len(tpl) && tpl[i+1] == '}' {
				out.WriteByte('}')
				i++
				continue
			}
			return "", fmt.Errorf("single '}' encountered in format string")
		default:
			out.WriteByte(ch)
		}
	}
	return out.String(), nil
}
