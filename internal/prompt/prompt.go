// Package prompt builds the system prompt from a YAML profile plus a small
// dynamic context block rendered per message.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stewardhq/steward/internal/llm"
)

const defaultSystemText = `You are Steward, a personal assistant. You are talking to people in a chat.
Be direct and helpful. Use your tools when they would give a better answer than guessing.`

// Block is one system prompt section. Either Text inline or File relative to
// the profile's directory.
type Block struct {
	Text string `yaml:"text"`
	File string `yaml:"file"`
}

// Profile is a YAML-defined system prompt.
type Profile struct {
	Blocks []Block `yaml:"blocks"`

	dir string
}

// Load reads a profile from path. An empty path yields the builtin default.
func Load(path string) (*Profile, error) {
	if path == "" {
		return &Profile{Blocks: []Block{{Text: defaultSystemText}}}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("prompt: read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("prompt: parse profile: %w", err)
	}
	if len(p.Blocks) == 0 {
		return nil, fmt.Errorf("prompt: profile %s has no blocks", path)
	}
	p.dir = filepath.Dir(path)
	return &p, nil
}

// SystemBlocks renders the profile. The last block carries the cache marker;
// the blocks before it must stay byte-stable across turns for caching to
// work, so anything per-message belongs in the dynamic context instead.
func (p *Profile) SystemBlocks() ([]llm.SystemBlock, error) {
	blocks := make([]llm.SystemBlock, 0, len(p.Blocks))
	for _, b := range p.Blocks {
		text := b.Text
		if b.File != "" {
			data, err := os.ReadFile(filepath.Join(p.dir, b.File))
			if err != nil {
				return nil, fmt.Errorf("prompt: read block file: %w", err)
			}
			text = string(data)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		blocks = append(blocks, llm.SystemBlock{Text: text})
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("prompt: profile rendered empty")
	}
	blocks[len(blocks)-1].Cache = true
	return blocks, nil
}

// DynamicContext renders the per-message context prepended to the user turn.
func DynamicContext(now time.Time, username string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[context] Current time: %s.", now.Format("2006-01-02 15:04 MST"))
	if username != "" {
		fmt.Fprintf(&sb, " You are talking with @%s.", username)
	}
	return sb.String()
}
