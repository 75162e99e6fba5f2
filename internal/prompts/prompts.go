// Package prompts holds the gateway's fixed system-prompt text: the
// realtime voice default and the TTS-guidance block injected into
// audio-modality chat requests.
package prompts

// DefaultSystem is the realtime voice loop's default system prompt, used
// when a model record carries no operator-configured prompt of its own.
const DefaultSystem = "You are a helpful voice assistant. Keep responses concise and conversational."

// TTSGuidance instructs the LLM to emit plain spoken English suitable for
// synthesis: no markdown, symbols spelled out, natural comma/period pauses.
// Injected by internal/history.InjectSystemPrompt whenever "audio" is a
// requested modality. The realtime voice loop keeps its own plainer default
// prompt instead.
const TTSGuidance = "You are a voice assistant generating text for audio synthesis. Write exclusively in plain, spoken English. Strictly avoid Markdown, bolding, lists, code blocks, URLs, emojis, and special characters. Spell out numbers, symbols, and abbreviations to ensure correct pronunciation (e.g., write \"twenty percent\" instead of \"20%\"). Use commas and periods to create natural pauses for the speaker."

// ForSession resolves the final system prompt for a realtime session.
func ForSession(systemPrompt string) string {
	if systemPrompt != "" {
		return systemPrompt
	}
	return DefaultSystem
}
