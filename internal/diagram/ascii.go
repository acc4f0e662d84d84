package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const maxErrorLine = 40

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case StatusCompleted:
		return "[OK]"
	case StatusFailed:
		return "[FAIL]"
	case StatusCancelled:
		return "[CANCEL]"
	case StatusRunning:
		return "[RUN]"
	case StatusSkipped:
		return "[SKIP]"
	case StatusPending:
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as a text diagram, one row of boxes per
// level with box-drawing characters.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for levelIdx, level := range model.Levels {
		var boxes []asciiBox
		for _, nodeID := range level {
			node := model.node(nodeID)
			if node == nil {
				continue
			}
			boxes = append(boxes, makeBox(node))
		}
		renderBoxRow(&b, boxes)

		if levelIdx < len(model.Levels)-1 {
			next := model.Levels[levelIdx+1]
			label := ""
			if len(next) == 1 {
				label = model.incoming(next[0])
			}
			renderConnector(&b, len(boxes), len(next), label)
		}
	}

	return b.String()
}

type asciiBox struct {
	lines []string
	width int
}

func makeBox(node *Node) asciiBox {
	contentLines := []string{node.Label}

	if st := node.Status; st != nil {
		tag := statusTag(st.Status)
		if st.DurationMs > 0 {
			tag = strings.TrimSpace(fmt.Sprintf("%s %dms", tag, st.DurationMs))
		}
		if st.RetryCount > 0 {
			tag += fmt.Sprintf(" retries:%d", st.RetryCount)
		}
		if tag != "" {
			contentLines = append(contentLines, tag)
		}
		if st.Error != "" {
			contentLines = append(contentLines, truncate(st.Error, maxErrorLine))
		}
	}

	maxLen := 0
	for _, line := range contentLines {
		maxLen = max(maxLen, utf8.RuneCountInString(line))
	}
	width := maxLen + 4

	lines := []string{"┌" + strings.Repeat("─", width-2) + "┐"}
	for _, content := range contentLines {
		padded := content + strings.Repeat(" ", maxLen-utf8.RuneCountInString(content))
		lines = append(lines, "│ "+padded+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")

	return asciiBox{lines: lines, width: width}
}

func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	maxHeight := 0
	for _, box := range boxes {
		maxHeight = max(maxHeight, len(box.lines))
	}

	for row := 0; row < maxHeight; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}

// renderConnector draws the arrow between two levels, marking fan-out and
// fan-in when either side has several nodes.
func renderConnector(b *strings.Builder, from, to int, label string) {
	if from == 0 {
		return
	}
	switch {
	case to > 1:
		fmt.Fprintf(b, "       │ fan-out x%d\n", to)
	case from > 1:
		fmt.Fprintf(b, "       │ fan-in x%d\n", from)
	case label != "":
		fmt.Fprintf(b, "       │ %s\n", label)
	default:
		b.WriteString("       │\n")
	}
	b.WriteString("       ▼\n")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}
