// Package prompts contains the LLM prompt templates used by Funnair.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation, benefit from compile-time embedding,
// and can be validated by tests. Operators can still replace the system prompt
// through conversation.system_prompt in config.yaml.
package prompts
