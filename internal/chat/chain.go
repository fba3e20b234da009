package chat

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	apperrors "llmops/internal/errors"
	"llmops/internal/storage"
)

// ParseChainConfig decodes a chain configuration string, repairing common
// JSON damage (single quotes, trailing commas, truncation) first.
func ParseChainConfig(raw string) (storage.ChainConfig, error) {
	var chain storage.ChainConfig
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return chain, nil
	}

	if err := json.Unmarshal([]byte(raw), &chain); err == nil {
		return chain, nil
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return chain, apperrors.InvalidInput("chain_config is not valid JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(repaired), &chain); err != nil {
		return chain, apperrors.InvalidInput("chain_config does not describe a chain: %v", err)
	}
	return chain, nil
}
