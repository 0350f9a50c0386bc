package identity

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
)

// ScaffoldResult reports which files were created, skipped, or errored.
type ScaffoldResult struct {
	Created []string
	Skipped []string
	Errors  []string
}

// scaffoldFiles returns workspace-relative destinations for every template.
func scaffoldFiles() []string {
	files := append([]string{}, TemplateNames...)
	return append(files, HeartbeatFile, MemoryFile)
}

// ScaffoldWorkspace writes the templates into the workspace directory.
// If force is false, existing files are skipped. If force is true, they are overwritten.
func ScaffoldWorkspace(root string, force bool) (*ScaffoldResult, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}

	result := &ScaffoldResult{}

	for _, rel := range scaffoldFiles() {
		dst := filepath.Join(root, filepath.FromSlash(rel))

		if !force {
			if _, err := os.Stat(dst); err == nil {
				result.Skipped = append(result.Skipped, rel)
				continue
			}
		}

		data, err := Template(path.Base(rel))
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rel, err))
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rel, err))
			continue
		}
		if err := os.WriteFile(dst, data, 0644); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rel, err))
			continue
		}

		result.Created = append(result.Created, rel)
	}

	return result, nil
}
