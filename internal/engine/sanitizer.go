package engine

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9\-_]{20,}`),   // anthropic
	regexp.MustCompile(`sk-proj-[a-zA-Z0-9\-_]{20,}`),  // openai project keys
	regexp.MustCompile(`sk-[a-zA-Z0-9]{48,}`),          // openai
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),             // aws access key
	regexp.MustCompile(`(?i)aws_secret_access_key\s*=\s*\S+`),
	regexp.MustCompile(`(?i)minio_secret_key\s*=\s*\S+`),
	regexp.MustCompile(`ghp_[a-zA-Z0-9]{36}`),          // github pat
	regexp.MustCompile(`gho_[a-zA-Z0-9]{36}`),          // github oauth
	regexp.MustCompile(`github_pat_[a-zA-Z0-9_]{22,}`), // github fine-grained
	regexp.MustCompile(`(?i)password\s*[:=]\s*["']?[^\s"']+`),
	regexp.MustCompile(`(?i)api_key\s*[:=]\s*["']?[^\s"']+`),
	regexp.MustCompile(`(?i)secret\s*[:=]\s*["']?[^\s"']+`),
	regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`),
}

// Redact replaces credentials in console output and reports whether anything
// was replaced.
func Redact(input string) (string, bool) {
	output := input
	hit := false

	for _, pat := range secretPatterns {
		if pat.MatchString(output) {
			hit = true
			output = pat.ReplaceAllString(output, redacted)
		}
	}

	return output, hit
}

func ContainsSecret(input string) bool {
	lower := strings.ToLower(input)
	for _, term := range []string{"password", "secret", "api_key", "apikey", "private_key", "access_key"} {
		if strings.Contains(lower, term) {
			return true
		}
	}

	for _, pat := range secretPatterns {
		if pat.MatchString(input) {
			return true
		}
	}

	return false
}
