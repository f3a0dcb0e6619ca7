package routing

import (
	"fmt"
	"regexp"
	"strings"
)

// pathPattern is one compiled ant-style pattern. `*` matches a single path
// segment, `**` the remainder, `?` one character, and `{name}` captures a
// segment under the given name. Go's regexp is RE2, so compiled patterns
// are linear-time by construction and cannot backtrack catastrophically.
type pathPattern struct {
	re       *regexp.Regexp
	captures []string
}

// compilePattern translates an ant-style pattern into an anchored regexp.
// caseInsensitive is used for host patterns; matchTrailingSlash permits an
// optional trailing "/" on path patterns.
func compilePattern(pattern string, matchTrailingSlash, caseInsensitive bool) (*pathPattern, error) {
	var sb strings.Builder
	var captures []string

	// A trailing "/**" means "this prefix, optionally followed by more
	// segments". It deliberately does not match a bare trailing slash;
	// matchTrailingSlash opts into that.
	tailRemainder := strings.HasSuffix(pattern, "/**")
	if tailRemainder {
		pattern = strings.TrimSuffix(pattern, "/**")
	}

	sb.WriteString("^")
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		switch ch {
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				i++
				sb.WriteString(".*")
			} else {
				sb.WriteString("[^/]*")
			}
		case '{':
			end := -1
			for j := i + 1; j < len(runes); j++ {
				if runes[j] == '}' {
					end = j
					break
				}
			}
			if end < 0 {
				return nil, fmt.Errorf("unclosed capture in pattern %q", pattern)
			}
			name := string(runes[i+1 : end])
			if name == "" {
				return nil, fmt.Errorf("empty capture name in pattern %q", pattern)
			}
			captures = append(captures, name)
			sb.WriteString("([^/]+)")
			i = end
		case '?':
			sb.WriteString(".")
		case '.', '+', '(', ')', '|', '^', '$', '[', ']', '\\':
			sb.WriteRune('\\')
			sb.WriteRune(ch)
		default:
			sb.WriteRune(ch)
		}
	}
	if tailRemainder {
		sb.WriteString("(?:/.+)?")
	}
	if matchTrailingSlash {
		sb.WriteString("/?")
	}
	sb.WriteString("$")

	expr := sb.String()
	if caseInsensitive {
		expr = "(?i)" + expr
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return &pathPattern{re: re, captures: captures}, nil
}

// match tests the input and, on success with captures declared, returns
// the name -> segment map (nil when the pattern declares no captures).
func (p *pathPattern) match(input string) (map[string]string, bool) {
	if len(p.captures) == 0 {
		return nil, p.re.MatchString(input)
	}
	groups := p.re.FindStringSubmatch(input)
	if groups == nil {
		return nil, false
	}
	vars := make(map[string]string, len(p.captures))
	for i, name := range p.captures {
		if i+1 < len(groups) {
			vars[name] = groups[i+1]
		}
	}
	return vars, true
}
