package delivery

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/slack-go/slack"
	"github.com/zymantas-katinas/commit-digest/pkg/logger"
)

const (
	SlackTextLimit    = 4000
	slackSectionLimit = 3000
	slackMaxSections  = 48

	DiscordContentLimit = 2000
	discordLinkWarn     = 10

	shortenedMarker = "\n\n*[Report shortened...]*"
	truncatedMarker = "\n\n*[Report truncated]*"
)

var (
	markdownLink = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	markdownBold = regexp.MustCompile(`\*\*(.+?)\*\*`)
	headerPrefix = regexp.MustCompile(`^#{1,3} `)
)

// FormatSlack converts Markdown to Slack mrkdwn and caps the result at
// SlackTextLimit characters.
func FormatSlack(content string) string {
	lines := strings.Split(content, "\n")
	inCode := false

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			// drop the language tag on opening fences
			lines[i] = "```"
			inCode = !inCode
			continue
		}
		if inCode {
			continue
		}

		body := strings.TrimLeft(line, " ")
		indent := line[:len(line)-len(body)]
		switch {
		case headerPrefix.MatchString(body):
			title := strings.TrimSpace(headerPrefix.ReplaceAllString(body, ""))
			title = strings.ReplaceAll(title, "**", "")
			lines[i] = indent + "*" + title + "*"
		case strings.HasPrefix(body, "- "):
			lines[i] = indent + "• " + markdownBold.ReplaceAllString(body[2:], "*$1*")
		default:
			lines[i] = markdownBold.ReplaceAllString(line, "*$1*")
		}
	}

	return truncateRunes(strings.Join(lines, "\n"), SlackTextLimit)
}

func slackBlocks(text string, meta Metadata) []slack.Block {
	var blocks []slack.Block
	for _, chunk := range splitMessage(text, slackSectionLimit) {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		if len(blocks) == slackMaxSections {
			break
		}
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, chunk, false, false), nil, nil))
	}

	if line := slackContextLine(meta); line != "" {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, line, false, false)))
	}
	return blocks
}

func slackContextLine(meta Metadata) string {
	var parts []string
	switch {
	case meta.RepositoryURL != "" && meta.Repository != "":
		parts = append(parts, fmt.Sprintf("<%s|%s>", meta.RepositoryURL, meta.Repository))
	case meta.Repository != "":
		parts = append(parts, meta.Repository)
	}
	if meta.Branch != "" {
		parts = append(parts, "`"+meta.Branch+"`")
	}
	if meta.CommitsCount != nil {
		parts = append(parts, fmt.Sprintf("%d commits", *meta.CommitsCount))
	}
	return strings.Join(parts, " • ")
}

// FormatDiscord keeps Markdown and only shrinks content above
// DiscordContentLimit: link targets are dropped first, then trailing lines,
// then the text is cut.
func FormatDiscord(content string) string {
	if links := len(markdownLink.FindAllStringIndex(content, -1)); links > discordLinkWarn {
		logger.Warn().Int("links", links).Msg("discord report has many links, embeds may be noisy")
	}

	if utf8.RuneCountInString(content) <= DiscordContentLimit {
		return content
	}

	text := markdownLink.ReplaceAllString(content, "$1")
	if utf8.RuneCountInString(text) <= DiscordContentLimit {
		return text
	}

	lines := strings.Split(text, "\n")
	for len(lines) > 1 {
		lines = lines[:len(lines)-1]
		candidate := strings.TrimRight(strings.Join(lines, "\n"), "\n") + shortenedMarker
		if utf8.RuneCountInString(candidate) <= DiscordContentLimit {
			return candidate
		}
	}

	return truncateRunes(text, DiscordContentLimit-utf8.RuneCountInString(truncatedMarker)) + truncatedMarker
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit])
}

// splitMessage cuts msg into chunks of at most maxLen runes, preferring to
// break after a newline in the second half of a chunk.
func splitMessage(msg string, maxLen int) []string {
	remaining := []rune(msg)
	if len(remaining) <= maxLen {
		return []string{msg}
	}

	var parts []string
	for len(remaining) > 0 {
		if len(remaining) <= maxLen {
			parts = append(parts, string(remaining))
			break
		}

		breakPoint := maxLen
		for i := maxLen - 1; i > maxLen/2; i-- {
			if remaining[i] == '\n' {
				breakPoint = i + 1
				break
			}
		}

		parts = append(parts, string(remaining[:breakPoint]))
		remaining = remaining[breakPoint:]
	}
	return parts
}
