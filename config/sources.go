package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SourceFiles returns the list of files that contributed configuration entries.
func SourceFiles(cfg *Config) []string {
	if cfg == nil {
		return nil
	}
	files := make(map[string]struct{})
	add := func(ref ModuleReference) {
		path := strings.TrimSpace(ref.File)
		if path == "" {
			return
		}
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		files[abs] = struct{}{}
	}
	add(cfg.Source)
	for _, device := range cfg.Devices {
		add(device.Source)
	}
	result := make([]string, 0, len(files))
	for file := range files {
		result = append(result, file)
	}
	sort.Strings(result)
	return result
}
