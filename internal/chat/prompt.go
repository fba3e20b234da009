package chat

import (
	"strings"

	"llmops/internal/llm"
	"llmops/internal/rag"
	"llmops/internal/storage"
)

const defaultSystemPrompt = "You are a helpful assistant."

const contextInstructions = "Answer using the context below when it is relevant. " +
	"Cite sources by their number, e.g. [1]. If the context does not contain the answer, say so.\n\nContext:\n"

// buildMessages assembles system prompt, trimmed history and the new query.
func (s *Service) buildMessages(chain storage.ChainConfig, history []storage.Message, sources []rag.RetrievalResult, query string) []llm.Message {
	system := strings.TrimSpace(chain.Prompt)
	if system == "" {
		system = strings.TrimSpace(s.config.SystemPrompt)
	}
	if system == "" {
		system = defaultSystemPrompt
	}
	if block := rag.FormatContext(sources); block != "" {
		system += "\n\n" + contextInstructions + block
	}

	budget := s.config.HistoryTokenBudget - s.counter.CountTokens(system) - s.counter.CountTokens(query)
	kept := trimHistory(history, budget, s.config.HistoryMaxMessages, s.counter)

	messages := make([]llm.Message, 0, len(kept)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, msg := range kept {
		messages = append(messages, llm.Message{Role: msg.Role, Content: msg.Content})
	}
	return append(messages, llm.Message{Role: llm.RoleUser, Content: query})
}

// trimHistory keeps the newest messages that fit both limits. The result
// never starts with an assistant message.
func trimHistory(history []storage.Message, tokenBudget, maxMessages int, counter rag.TokenCounter) []storage.Message {
	if tokenBudget <= 0 || maxMessages <= 0 {
		return nil
	}

	start := len(history)
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		if len(history)-i > maxMessages {
			break
		}
		cost := counter.CountTokens(history[i].Content)
		if used+cost > tokenBudget {
			break
		}
		used += cost
		start = i
	}

	for start < len(history) && history[start].Role == storage.RoleAssistant {
		start++
	}
	return history[start:]
}
