package template

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// RenderFile renders a kickstart or boot-menu template to destPath,
// substituting the named placeholders (product name, version, ssh key
// and the like). The file's internal grammar is opaque to the harness;
// only {{ .placeholder }} substitution happens here. Sprig functions
// are available for the usual quoting and defaulting needs.
func RenderFile(templatePath, destPath string, values map[string]interface{}) error {
	raw, err := os.ReadFile(templatePath)
	if err != nil {
		return fmt.Errorf("failed to read template %s: %w", templatePath, err)
	}

	tmpl, err := template.New(filepath.Base(templatePath)).
		Funcs(sprig.FuncMap()).
		Option("missingkey=error").
		Parse(string(raw))
	if err != nil {
		return fmt.Errorf("failed to parse template %s: %w", templatePath, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, values); err != nil {
		return fmt.Errorf("failed to render template %s: %w", templatePath, err)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(destPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write rendered template to %s: %w", destPath, err)
	}
	return nil
}
