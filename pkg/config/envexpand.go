package config

import (
	"bytes"
	"os"
	"text/template"
)

// ExpandEnv expands environment variables in profile pack YAML using Go
// template syntax ({{.VAR_NAME}}). Template syntax is used instead of $
// expansion so literal dollars in message templates and regex-like policy
// values pass through untouched.
//
// Missing variables expand to the empty string; profile validation catches
// required fields that end up empty. Malformed template input is returned
// unchanged so plain YAML never fails here.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("profile").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
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
