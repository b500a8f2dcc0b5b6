package main

import (
	"crypto/sha256"
	"encoding/hex"

	_ "embed"
)

// systemPrompt is the instruction template every worker executor runs
// tasks under. Its hash is stamped onto each task so results can be
// traced back to the template version that produced them.
//
//go:embed system_prompt.md
var systemPrompt string

func systemPromptHash() string {
	sum := sha256.Sum256([]byte(systemPrompt))
	return hex.EncodeToString(sum[:8])
}
