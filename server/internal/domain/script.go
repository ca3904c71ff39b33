package domain

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"piper/server/internal/model"

	"gopkg.in/yaml.v3"
)

// ScriptStep 是回放脚本中的一步：一个儿童事件，或一次休息。
type ScriptStep struct {
	Break bool              `json:"break,omitempty" yaml:"break"`
	Event model.Event       `json:"event" yaml:"event"`
	Task  model.TaskContext `json:"task" yaml:"task"`
	// Note 只用于输出时标注这一步在演示什么。
	Note string `json:"note,omitempty" yaml:"note"`
}

// LoadScript 从 JSON 或 YAML 文件加载回放脚本。
func LoadScript(path string) ([]ScriptStep, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}

	var steps []ScriptStep
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &steps)
	default:
		err = json.Unmarshal(data, &steps)
	}
	if err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}

	for i, step := range steps {
		if !step.Break && !step.Event.Type.Valid() {
			return nil, fmt.Errorf("script step %d: unknown event type %q", i, step.Event.Type)
		}
	}
	return steps, nil
}
