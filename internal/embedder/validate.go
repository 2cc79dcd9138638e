package embedder

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// knownChatModelPrefixes contains name fragments that identify
// chat/completion models which are NOT suitable for embedding. If
// EMBEDDING_MODEL matches any of these, a warning is emitted so the
// operator knows they may have misconfigured the pipeline.
var knownChatModelPrefixes = []string{
	"gpt-4",
	"gpt-3.5",
	"gpt-35",
	"o1",
	"o3",
	"llama3",
	"llama2",
	"llama-3",
	"llama-2",
	"mistral",
	"mixtral",
	"gemma",
	"phi-",
	"phi3",
	"claude",
	"command-r",
	"deepseek",
	"qwen",
	"solar",
	"vicuna",
	"falcon",
	"yi-",
}

// looksLikeChatModel returns true when the model name resembles a known
// chat/completion model rather than a dedicated embedding model.
func looksLikeChatModel(model string) bool {
	lower := strings.ToLower(model)
	for _, prefix := range knownChatModelPrefixes {
		if strings.Contains(lower, prefix) {
			return true
		}
	}
	return false
}

// Validate checks that the embedding configuration is safe to use when a
// vector index is configured (QDRANT_HOST set). It returns an error if
// the configuration is clearly broken (e.g. azure backend with no API
// key) and logs a warning when the pipeline would silently degrade.
//
// This is a pre-flight check — call it at startup so operators get a
// clear error rather than a cryptic failure on the first embed call.
func Validate(log *slog.Logger) error {
	qdrantHost := os.Getenv("QDRANT_HOST")
	if qdrantHost == "" {
		// Search not configured — nothing to validate.
		return nil
	}

	backend := Backend()

	// Warn when the index is configured but embedding falls back to the
	// deterministic offline vectors — searches will work but match
	// quality is poor.
	if backend == "none" {
		log.Warn("embedder: QDRANT_HOST is set but EMBEDDING_PROVIDER is not — "+
			"using deterministic offline embeddings",
			slog.String("hint", "set EMBEDDING_PROVIDER=ollama (or openai/azure) for real semantic matching"),
		)
	}

	// Validate backend-specific required config.
	switch backend {
	case "openai":
		apiKey := os.Getenv("EMBEDDING_API_KEY")
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return fmt.Errorf("embedder: QDRANT_HOST is set but no OpenAI API key found — set OPENAI_API_KEY or EMBEDDING_API_KEY")
		}

	case "azure":
		apiKey := os.Getenv("EMBEDDING_API_KEY")
		if apiKey == "" {
			apiKey = os.Getenv("AZURE_OPENAI_API_KEY")
		}
		if apiKey == "" {
			return fmt.Errorf("embedder: QDRANT_HOST is set but no Azure API key found — set AZURE_OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		endpoint := os.Getenv("EMBEDDING_ENDPOINT")
		if endpoint == "" {
			endpoint = os.Getenv("AZURE_OPENAI_ENDPOINT")
		}
		if endpoint == "" {
			return fmt.Errorf("embedder: QDRANT_HOST is set but no Azure endpoint found — set AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT")
		}
	}

	// Warn if EMBEDDING_MODEL looks like a chat model.
	model := os.Getenv("EMBEDDING_MODEL")
	if model != "" && looksLikeChatModel(model) {
		log.Warn("embedder: EMBEDDING_MODEL looks like a chat model, not an embedding model — "+
			"this will likely produce poor or broken embeddings",
			slog.String("model", model),
			slog.String("hint", "use a dedicated embedding model e.g. nomic-embed-text, text-embedding-3-small"),
		)
	}

	return nil
}
