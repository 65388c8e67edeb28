package config

import (
	"bytes"
	"os"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go templates.
// Uses {{.VAR_NAME}} syntax to avoid collision with $ in literal values.
//
// Config values routinely carry literal $ characters (Postgres DSN passwords,
// redis URIs with auth tokens, message-type filters written as regexes), so
// shell-style $VAR expansion would mangle them. Template syntax never collides.
//
// Examples:
//   - {{.NOVA_STORE_DSN}} → value of NOVA_STORE_DSN environment variable
//   - {{.REDIS_HOST}}:{{.REDIS_PORT}} → hostname:port with both expanded
//   - pattern: "^secret.*$" → preserved literally ($ not touched)
//
// Missing variables expand to empty string (unless the template is malformed,
// in which case the original bytes pass through for the YAML parser to judge).
// Validation catches required fields that end up empty.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		// Malformed template syntax: return the original data so plain YAML
		// (or YAML with literal braces) still parses.
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		// Split only on the first = to handle values containing =.
		if idx := bytes.IndexByte([]byte(env), '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}
