// Package options loads the catalogue of selectable LLM, STT and TTS models
// offered to device owners.
package options

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Option is one selectable model.
type Option struct {
	Label string `yaml:"label" json:"label"`
	Value string `yaml:"value" json:"value"`
	URL   string `yaml:"url,omitempty" json:"url,omitempty"`
}

// Catalog groups options by service.
type Catalog struct {
	LLM []Option `yaml:"llm" json:"llm"`
	STT []Option `yaml:"stt" json:"stt"`
	TTS []Option `yaml:"tts" json:"tts"`
}

// Default is used when no catalogue file is configured.
func Default() Catalog {
	return Catalog{
		LLM: []Option{
			{Label: "GPT-4o mini", Value: "gpt-4o-mini", URL: "https://api.openai.com/v1"},
			{Label: "Qwen Turbo", Value: "qwen-turbo", URL: "https://dashscope.aliyuncs.com/compatible-mode/v1"},
		},
		STT: []Option{
			{Label: "Whisper", Value: "whisper-1", URL: "https://api.openai.com/v1"},
		},
		TTS: []Option{
			{Label: "OpenAI TTS", Value: "tts-1", URL: "https://api.openai.com/v1"},
		},
	}
}

// Load reads a YAML catalogue from path. Sections missing from the file keep
// their defaults; an empty path returns Default.
func Load(path string) (Catalog, error) {
	cat := Default()
	if path == "" {
		return cat, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read model options: %w", err)
	}
	var file Catalog
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Catalog{}, fmt.Errorf("parse model options %s: %w", path, err)
	}
	if len(file.LLM) > 0 {
		cat.LLM = file.LLM
	}
	if len(file.STT) > 0 {
		cat.STT = file.STT
	}
	if len(file.TTS) > 0 {
		cat.TTS = file.TTS
	}
	for section, opts := range map[string][]Option{"llm": cat.LLM, "stt": cat.STT, "tts": cat.TTS} {
		for i, o := range opts {
			if o.Value == "" {
				return Catalog{}, fmt.Errorf("model options %s[%d]: value is required", section, i)
			}
		}
	}
	return cat, nil
}
