package gitops

import "strings"

// subjectLimit is the conventional git subject-line length.
const subjectLimit = 72

// TruncateSubject trims a commit subject to 72 characters, cutting on a
// word boundary where one is close enough.
func TruncateSubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if len(subject) <= subjectLimit {
		return subject
	}
	cut := subject[:subjectLimit]
	if i := strings.LastIndex(cut, " "); i > subjectLimit/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ")
}

// WrapBody wraps a commit body at 72 columns, preserving existing blank
// lines between paragraphs. Lines without spaces (URLs, paths) are left
// unwrapped.
func WrapBody(body string) string {
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		if len(line) <= subjectLimit {
			out = append(out, line)
			continue
		}
		out = append(out, wrapLine(line, subjectLimit)...)
	}
	return strings.Join(out, "\n")
}

func wrapLine(line string, width int) []string {
	words := strings.Fields(line)
	if len(words) == 0 {
		return []string{line}
	}
	var (
		lines []string
		cur   strings.Builder
	)
	for _, w := range words {
		if cur.Len() > 0 && cur.Len()+1+len(w) > width {
			lines = append(lines, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		lines = append(lines, cur.String())
	}
	return lines
}
