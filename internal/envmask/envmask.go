// Package envmask recognizes environment variable names that look like
// credentials, so the Agent Manager can log what it injected into a kernel
// without leaking secret values.
//
// Adapted from the teacher's internal/agent/credentials.EnvProvider, which
// matched the same provider-key patterns to locate credentials on the host.
// Here the direction is reversed: instead of sourcing a credential value by
// name, LooksSensitive classifies a name the caller already has (one of
// Agent.KernelEnvirons) so logging can redact it.
package envmask

import "strings"

var knownSensitiveNames = map[string]bool{
	"ANTHROPIC_API_KEY":      true,
	"OPENAI_API_KEY":         true,
	"GEMINI_API_KEY":         true,
	"GOOGLE_API_KEY":         true,
	"AZURE_OPENAI_API_KEY":   true,
	"COHERE_API_KEY":         true,
	"HUGGINGFACE_API_KEY":    true,
	"MISTRAL_API_KEY":        true,
	"TOGETHER_API_KEY":       true,
	"REPLICATE_API_TOKEN":    true,
	"AWS_ACCESS_KEY_ID":      true,
	"AWS_SECRET_ACCESS_KEY":  true,
	"GCP_SERVICE_ACCOUNT_KEY": true,
	"GITHUB_TOKEN":           true,
	"GITLAB_TOKEN":           true,
	"BITBUCKET_TOKEN":        true,
	"NPM_TOKEN":              true,
	"DOCKER_PASSWORD":        true,
	"DOCKER_TOKEN":           true,
}

var sensitiveSubstrings = []string{"api_key", "apikey", "api-key", "_token", "_secret", "password"}

// LooksSensitive reports whether name matches a known credential variable or
// a common secret-naming convention.
func LooksSensitive(name string) bool {
	if knownSensitiveNames[name] {
		return true
	}
	lower := strings.ToLower(name)
	for _, sub := range sensitiveSubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

// Redact returns value unchanged unless name looks sensitive, in which case
// it returns a fixed-width placeholder so callers can safely log it.
func Redact(name, value string) string {
	if value == "" || !LooksSensitive(name) {
		return value
	}
	return "****"
}

// MaskedKeys returns the keys of env with sensitive values replaced, for
// logging the shape of an injected environment without its secrets.
func MaskedKeys(env map[string]*string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if v == nil {
			out[k] = ""
			continue
		}
		out[k] = Redact(k, *v)
	}
	return out
}
