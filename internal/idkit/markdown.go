package idkit

import (
	"strings"
)

// NodeKind identifies the variant of a parsed markdown Node. The set is closed: every Node carries exactly
// one of these kinds and only the fields relevant to that kind are populated.
type NodeKind int

const (
	Text NodeKind = iota
	Bold
	Italic
	Code
	Link
	MentionUser
	MentionChannel
	Emoji
)

// Node is one element of a tokenized message body. Content holds the literal text for Text/Bold/Italic/Code/Emoji
// nodes (for Emoji, the name without colons); URL and Content hold the link target and display text for Link;
// Content holds the raw ID string for MentionUser/MentionChannel.
type Node struct {
	Kind    NodeKind
	Content string
	URL     string
}

// MaxTokenizeLen bounds the input accepted by Tokenize. Longer input is truncated before parsing so the
// tokenizer's cost stays linear in a fixed worst case regardless of what a client sends.
const MaxTokenizeLen = MaxMessageContentLen * 4

// allowedLinkSchemes is the closed set of URL schemes Tokenize will emit as a Link node. Anything else —
// including javascript: and data: — degrades to a plain Text node containing the original markdown source,
// never to a clickable reference.
var allowedLinkSchemes = []string{"http://", "https://"}

// Tokenize parses raw message content into a flat sequence of Nodes. It is pure and deterministic: the same
// input always produces the same output, and it never recurses into matched spans (no bold-inside-italic
// nesting), keeping the cost linear in input length.
func Tokenize(src string) []Node {
	if len(src) > MaxTokenizeLen {
		src = src[:MaxTokenizeLen]
	}

	var nodes []Node
	var textBuf strings.Builder

	flush := func() {
		if textBuf.Len() > 0 {
			nodes = append(nodes, Node{Kind: Text, Content: textBuf.String()})
			textBuf.Reset()
		}
	}

	runes := []rune(src)
	i := 0
	n := len(runes)

	for i < n {
		switch {
		case match(runes, i, "**"):
			if end, ok := findClose(runes, i+2, "**"); ok {
				flush()
				nodes = append(nodes, Node{Kind: Bold, Content: string(runes[i+2 : end])})
				i = end + 2
				continue
			}
		case match(runes, i, "*"):
			if end, ok := findClose(runes, i+1, "*"); ok {
				flush()
				nodes = append(nodes, Node{Kind: Italic, Content: string(runes[i+1 : end])})
				i = end + 1
				continue
			}
		case match(runes, i, "`"):
			if end, ok := findClose(runes, i+1, "`"); ok {
				flush()
				nodes = append(nodes, Node{Kind: Code, Content: string(runes[i+1 : end])})
				i = end + 1
				continue
			}
		case match(runes, i, "["):
			if node, consumed, ok := parseLink(runes, i); ok {
				flush()
				nodes = append(nodes, node)
				i += consumed
				continue
			}
		case match(runes, i, "<@"):
			if end, ok := findClose(runes, i+2, ">"); ok {
				id := string(runes[i+2 : end])
				if isPlausibleID(id) {
					flush()
					nodes = append(nodes, Node{Kind: MentionUser, Content: id})
					i = end + 1
					continue
				}
			}
		case match(runes, i, "<#"):
			if end, ok := findClose(runes, i+2, ">"); ok {
				id := string(runes[i+2 : end])
				if isPlausibleID(id) {
					flush()
					nodes = append(nodes, Node{Kind: MentionChannel, Content: id})
					i = end + 1
					continue
				}
			}
		case match(runes, i, ":"):
			if end, name, ok := parseEmoji(runes, i); ok {
				flush()
				nodes = append(nodes, Node{Kind: Emoji, Content: name})
				i = end
				continue
			}
		}

		textBuf.WriteRune(runes[i])
		i++
	}

	flush()
	return nodes
}

func match(runes []rune, i int, s string) bool {
	sr := []rune(s)
	if i+len(sr) > len(runes) {
		return false
	}
	for j, r := range sr {
		if runes[i+j] != r {
			return false
		}
	}
	return true
}

// findClose returns the index of the next occurrence of delim starting at i, not spanning a newline, so a
// stray "**" doesn't swallow the rest of a multi-line message.
func findClose(runes []rune, i int, delim string) (int, bool) {
	dr := []rune(delim)
	for j := i; j+len(dr) <= len(runes); j++ {
		if runes[j] == '\n' {
			return 0, false
		}
		if match(runes, j, delim) {
			if j == i {
				return 0, false
			}
			return j, true
		}
	}
	return 0, false
}

// parseLink parses "[text](url)" starting at '['. Returns the node, the number of runes consumed, and ok.
func parseLink(runes []rune, i int) (Node, int, bool) {
	closeText, ok := findClose(runes, i+1, "]")
	if !ok {
		return Node{}, 0, false
	}
	if closeText+1 >= len(runes) || runes[closeText+1] != '(' {
		return Node{}, 0, false
	}
	closeURL, ok := findCloseRune(runes, closeText+2, ')')
	if !ok {
		return Node{}, 0, false
	}

	text := string(runes[i+1 : closeText])
	url := string(runes[closeText+2 : closeURL])
	consumed := closeURL + 1 - i

	if !hasAllowedScheme(url) {
		return Node{Kind: Text, Content: string(runes[i : closeURL+1])}, consumed, true
	}
	return Node{Kind: Link, Content: text, URL: url}, consumed, true
}

func findCloseRune(runes []rune, i int, delim rune) (int, bool) {
	for j := i; j < len(runes); j++ {
		if runes[j] == '\n' {
			return 0, false
		}
		if runes[j] == delim {
			return j, true
		}
	}
	return 0, false
}

// hasAllowedScheme reports whether url begins with an allowed scheme, case-insensitively, rejecting
// javascript:, data:, vbscript: and every other scheme not explicitly allow-listed.
func hasAllowedScheme(url string) bool {
	lower := strings.ToLower(strings.TrimSpace(url))
	for _, scheme := range allowedLinkSchemes {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

// parseEmoji parses ":name:" starting at the first ':'. name must be non-empty, bounded, and composed of
// ASCII letters, digits, underscore, plus or hyphen, matching the shortcode grammar used by emoji pickers.
func parseEmoji(runes []rune, i int) (int, string, bool) {
	const maxEmojiNameLen = 64
	j := i + 1
	for j < len(runes) && j-i-1 <= maxEmojiNameLen {
		if runes[j] == ':' {
			if j == i+1 {
				return 0, "", false
			}
			name := string(runes[i+1 : j])
			if !isEmojiName(name) {
				return 0, "", false
			}
			return j + 1, name, true
		}
		if !isEmojiNameRune(runes[j]) {
			return 0, "", false
		}
		j++
	}
	return 0, "", false
}

func isEmojiNameRune(r rune) bool {
	return r == '_' || r == '+' || r == '-' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func isEmojiName(s string) bool {
	for _, r := range s {
		if !isEmojiNameRune(r) {
			return false
		}
	}
	return true
}

// isPlausibleID reports whether s could be an entity ID reference: a non-empty, bounded run of
// ASCII letters and digits (at most 32). It deliberately does not fully parse the ULID — an unresolvable mention ID
// is a normal, non-error outcome resolved (or not) by the caller against the real entity store.
func isPlausibleID(s string) bool {
	if len(s) == 0 || len(s) > 32 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		default:
			return false
		}
	}
	return true
}
