package dispatch

import "regexp"

// thinkingTagPattern matches model-internal "thinking" fragments the way
// reasoning-capable OpenAI-compatible endpoints tag them inline when a
// separate reasoning_content field isn't used.
var thinkingTagPattern = regexp.MustCompile(`(?s)<think(?:ing)?>(.*?)</think(?:ing)?>`)

// splitThinking extracts any <think>/<thinking> tagged regions from the
// model's raw content, returning the user-visible remainder and the
// concatenated thinking trace separately so the trace can be stored for
// debugging without ever reaching the user.
func splitThinking(content string) (visible, thinking string) {
	matches := thinkingTagPattern.FindAllStringSubmatch(content, -1)
	for _, m := range matches {
		if thinking != "" {
			thinking += "\n"
		}
		thinking += m[1]
	}
	visible = thinkingTagPattern.ReplaceAllString(content, "")
	return visible, thinking
}
