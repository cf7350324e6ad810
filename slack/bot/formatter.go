package bot

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
	"github.com/slack-go/slack"
)

// Slack rejects section text longer than 3000 characters.
const maxSectionText = 3000

var (
	headerPattern    = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
	codeBlockPattern = regexp.MustCompile("(?s)```[a-zA-Z]*\n?(.*?)```")
	boldPattern      = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	boldUnderscore   = regexp.MustCompile(`__([^_]+)__`)
	strikePattern    = regexp.MustCompile(`~~([^~]+)~~`)
	linkPattern      = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// FormatAnswer renders a final answer as fallback text plus blocks. The SQL
// that produced the answer goes in a code block, then caveats and follow-ups.
func FormatAnswer(answer *workflow.FinalAnswer) (string, []slack.Block) {
	text := strings.TrimSpace(answer.Answer)
	if text == "" {
		text = "I didn't get a response. Please try again."
	}
	text = normalizeTwoWayArrow(text)

	var b strings.Builder
	b.WriteString(text)
	if len(answer.SQL) > 0 {
		b.WriteString("\n\n```\n")
		b.WriteString(strings.Join(answer.SQL, ";\n\n"))
		b.WriteString("\n```")
	}
	if len(answer.Caveats) > 0 {
		b.WriteString("\n\n*Caveats*")
		for _, c := range answer.Caveats {
			b.WriteString("\n- " + c)
		}
	}
	if len(answer.FollowUps) > 0 {
		b.WriteString("\n\n*You could also ask*")
		for _, f := range answer.FollowUps {
			b.WriteString("\n- " + f)
		}
	}
	return text, ConvertMarkdownToBlocks(b.String())
}

// ConvertMarkdownToBlocks converts markdown to Slack section and header
// blocks. Code blocks are kept whole.
func ConvertMarkdownToBlocks(text string) []slack.Block {
	var blocks []slack.Block
	matches := codeBlockPattern.FindAllStringSubmatchIndex(text, -1)
	lastEnd := 0
	for _, m := range matches {
		if before := strings.TrimSpace(text[lastEnd:m[0]]); before != "" {
			blocks = append(blocks, convertTextWithHeaders(before)...)
		}
		code := "```\n" + strings.TrimRight(text[m[2]:m[3]], "\n") + "\n```"
		blocks = append(blocks, sectionBlock(truncateCode(code)))
		lastEnd = m[1]
	}
	if rest := strings.TrimSpace(text[lastEnd:]); rest != "" {
		blocks = append(blocks, convertTextWithHeaders(rest)...)
	}
	return blocks
}

// convertTextWithHeaders turns markdown headers into header blocks and the
// text between them into mrkdwn sections, one per paragraph.
func convertTextWithHeaders(text string) []slack.Block {
	var blocks []slack.Block
	lastEnd := 0
	for _, m := range headerPattern.FindAllStringSubmatchIndex(text, -1) {
		blocks = append(blocks, paragraphBlocks(text[lastEnd:m[0]])...)
		header := strings.TrimSpace(text[m[4]:m[5]])
		blocks = append(blocks, slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, header, true, false)))
		lastEnd = m[1]
	}
	return append(blocks, paragraphBlocks(text[lastEnd:])...)
}

func paragraphBlocks(text string) []slack.Block {
	var blocks []slack.Block
	for _, para := range strings.Split(convertMarkdownToMrkdwn(text), "\n\n") {
		if para = strings.TrimSpace(para); para != "" {
			blocks = append(blocks, sectionBlock(TruncateString(para, maxSectionText)))
		}
	}
	return blocks
}

func sectionBlock(text string) *slack.SectionBlock {
	return &slack.SectionBlock{
		Type:   slack.MBTSection,
		Text:   slack.NewTextBlockObject(slack.MarkdownType, text, false, false),
		Expand: true,
	}
}

func truncateCode(code string) string {
	if len(code) <= maxSectionText {
		return code
	}
	return code[:maxSectionText-8] + "\n…\n```"
}

// convertMarkdownToMrkdwn converts markdown emphasis, strikethrough and links
// to Slack mrkdwn. Headers are handled by convertTextWithHeaders.
func convertMarkdownToMrkdwn(text string) string {
	text = boldPattern.ReplaceAllString(text, "*$1*")
	text = boldUnderscore.ReplaceAllString(text, "*$1*")
	text = strikePattern.ReplaceAllString(text, "~$1~")
	return linkPattern.ReplaceAllString(text, "<$2|$1>")
}

// SanitizeErrorMessage converts a run error to a user-facing message.
func SanitizeErrorMessage(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate_limit_error"), strings.Contains(msg, "rate limit"):
		return "I'm currently experiencing high demand. Please try again in a moment."
	case strings.Contains(msg, workflow.ErrThreadBusy.Error()):
		return "I'm still working on the previous question in this thread. Please wait for it to finish."
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"), strings.Contains(msg, "EOF"):
		return "I'm having trouble connecting to the database. Please try again in a moment."
	case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timed out"):
		return "That took too long to answer. Please try a narrower question."
	}
	return "Sorry, I encountered an error. Please try again."
}

// TruncateString truncates s to at most maxLen bytes, marking the cut.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// normalizeTwoWayArrow replaces the two-way arrow and the :left_right_arrow:
// emoji with ⇔ and drops variation selectors, which Slack renders as emoji.
func normalizeTwoWayArrow(s string) string {
	s = strings.ReplaceAll(s, ":left_right_arrow:", "⇔")
	var b strings.Builder
	for _, r := range s {
		if unicode.Is(unicode.Variation_Selector, r) {
			continue
		}
		if r == '↔' {
			b.WriteRune('⇔')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// threadID maps a Slack thread to a workflow thread.
func threadID(channel, threadTS string) string {
	return fmt.Sprintf("%s:%s", channel, threadTS)
}
