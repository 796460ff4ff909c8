package generator

// normalize maps one decoded upstream JSON object to a Chunk. It
// handles the Ollama /api/chat shape, legacy generate-style fields and
// OpenAI-compatible choices, so this is the only place that branches
// on payload shape. ok is false when the object carries no text at
// all (keepalives, usage records).
func normalize(part map[string]interface{}) (Chunk, bool) {
	var chunk Chunk

	if message, ok := part["message"].(map[string]interface{}); ok {
		if content, ok := message["content"].(string); ok && content != "" {
			chunk.Text = content
		}
		if thinking, ok := message["thinking"].(string); ok && thinking != "" {
			chunk.Thinking = thinking
		}
	}

	if chunk.Text == "" {
		for _, key := range []string{"response", "response_text", "text", "output", "content"} {
			if v, ok := part[key].(string); ok && v != "" {
				chunk.Text = v
				break
			}
		}
	}

	if chunk.Thinking == "" {
		for _, key := range []string{"thinking", "reasoning"} {
			if v, ok := part[key].(string); ok && v != "" {
				chunk.Thinking = v
				break
			}
		}
	}

	if chunk.Text == "" {
		chunk.Text = textFromChoices(part)
	}

	return chunk, chunk.Text != "" || chunk.Thinking != ""
}

// textFromChoices extracts text from an OpenAI-style choices array
func textFromChoices(part map[string]interface{}) string {
	choices, ok := part["choices"].([]interface{})
	if !ok {
		return ""
	}

	for _, c := range choices {
		choice, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		if delta, ok := choice["delta"].(map[string]interface{}); ok {
			if content, ok := delta["content"].(string); ok && content != "" {
				return content
			}
			if text, ok := delta["text"].(string); ok && text != "" {
				return text
			}
		}
		if text, ok := choice["text"].(string); ok && text != "" {
			return text
		}
	}

	return ""
}

// isTerminal reports whether the object marks the end of the stream
func isTerminal(part map[string]interface{}) bool {
	done, ok := part["done"].(bool)
	return ok && done
}
