package guardrail

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

func hostFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("missing host")
	}
	return u.Hostname(), nil
}

// sensitiveBasenames names files that are sensitive regardless of
// directory, matched against a path's final component.
var sensitiveBasenamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\.env(\..*)?$`),
	regexp.MustCompile(`^\.envrc$`),
	regexp.MustCompile(`.*secrets\.(json|ya?ml)$`),
	regexp.MustCompile(`^\.bash_history$`),
	regexp.MustCompile(`^\.zsh_history$`),
	regexp.MustCompile(`^\.bashrc$`),
	regexp.MustCompile(`^\.zshrc$`),
	regexp.MustCompile(`^\.profile$`),
	regexp.MustCompile(`^config\.json$`), // package-manager auth files, e.g. .docker/config.json
	// package-manager auth files
	regexp.MustCompile(`^\.npmrc$`),
	regexp.MustCompile(`^\.netrc$`),
	regexp.MustCompile(`^\.pypirc$`),
	regexp.MustCompile(`^pip\.conf$`),
	regexp.MustCompile(`^\.yarnrc(\.yml)?$`),
	regexp.MustCompile(`^credentials(\.toml)?$`), // e.g. .cargo/credentials
}

// sensitiveDirSegments names directories that are sensitive anywhere in
// a path (matched against each path segment).
var sensitiveDirSegments = map[string]bool{
	".ssh":    true,
	".gnupg":  true,
	".aws":    true,
	".azure":  true,
	"gcloud":  true,
	".kube":   true,
	".docker": true,
	".cargo":  true,
	".mozilla": true,
}

// browserProfilePathPatterns match known browser profile-directory
// layouts anywhere in the full normalized path, since profile roots span
// multiple segments (e.g. "Library/Application Support/Google/Chrome").
var browserProfilePathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Library/Application Support/(Google/Chrome|Chromium|BraveSoftware|Firefox|Microsoft Edge)`),
	regexp.MustCompile(`(?i)\.config/(google-chrome|chromium|BraveSoftware|microsoft-edge)`),
	regexp.MustCompile(`AppData/(Local|Roaming)/(Google/Chrome|Chromium|BraveSoftware|Microsoft/Edge|Mozilla/Firefox)`),
}

// sensitiveEnvVars, when referenced in a Bash command, redirect to
// operator configuration the guardrail must treat as sensitive.
var sensitiveEnvVars = []string{"CLAUDE_CONFIG_DIR"}

// bashBlockPatterns is the block-list of destructive or bypass-prone
// command shapes spec.md §4.G names for the Bash tool.
var bashBlockPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(rm|rmdir|chmod|chown|kill|sudo)\b`),
	regexp.MustCompile(`\b(curl|wget)\b[^|]*\|\s*(sh|bash|zsh)\b`),
	regexp.MustCompile(`python3?\s+-c\s+.*\b(os\.remove|os\.unlink|shutil\.rmtree)\b`),
	regexp.MustCompile(`node\s+-e\s+.*\bchild_process\b`),
}

func (g *Guard) checkL2(toolName string, params map[string]any) error {
	for key, v := range params {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if g.isSensitivePath(s) {
			return fmt.Errorf("guardrail: parameter %q references a sensitive path", key)
		}
	}

	if pathTools[toolName] {
		if path, ok := stringParam(params, "path", "file_path", "pattern"); ok {
			if real, err := filepath.EvalSymlinks(path); err == nil {
				if g.isSensitivePath(real) {
					return fmt.Errorf("guardrail: resolved path is sensitive")
				}
			}
		}
	}

	if toolName == "Bash" {
		cmd, _ := stringParam(params, "command", "cmd")
		if cmd != "" {
			if err := checkBashCommand(cmd); err != nil {
				return err
			}
		}
	}

	return nil
}

func stringParam(params map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := params[k].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// isSensitivePath applies spec.md §4.G's sensitive-path predicate after
// normalizing the candidate (SPEC_FULL.md [G]): ./, ../, brace/glob
// expansion, and env-var references are resolved before matching. It also
// protects the broker's own data directory, since a tool call that can
// read or write the vault file, audit log, or attachment outbox bypasses
// every other layer of this package.
func (g *Guard) isSensitivePath(raw string) bool {
	for _, candidate := range normalizeCandidates(raw) {
		if matchesSensitive(candidate) {
			return true
		}
		if g.dataDir != "" && withinDataDir(candidate, g.dataDir) {
			return true
		}
	}
	return false
}

func withinDataDir(p, dataDir string) bool {
	clean := filepath.Clean(p)
	dataDir = filepath.Clean(dataDir)
	return clean == dataDir || strings.HasPrefix(clean, dataDir+string(filepath.Separator))
}

func matchesSensitive(p string) bool {
	if p == "" {
		return false
	}
	clean := filepath.Clean(p)
	base := filepath.Base(clean)
	for _, re := range sensitiveBasenamePatterns {
		if re.MatchString(base) {
			return true
		}
	}
	for _, seg := range strings.Split(clean, string(filepath.Separator)) {
		if sensitiveDirSegments[seg] {
			return true
		}
	}
	for _, re := range browserProfilePathPatterns {
		if re.MatchString(clean) {
			return true
		}
	}
	if strings.HasSuffix(clean, "/proc/self/environ") || strings.HasSuffix(clean, "/proc/self/cmdline") {
		return true
	}
	if strings.HasPrefix(clean, os.TempDir()) {
		return true
	}
	return false
}

// normalizeCandidates expands a raw Bash-command or path argument into
// every literal path it might reference: brace expansion, simple globs
// collapsed to their literal prefix, newline/`;`/`&&`/`||`-joined
// commands split into separate statements, env-var references resolved,
// and `cd <dir> && cat <file>` compound forms joined into one path.
func normalizeCandidates(raw string) []string {
	var out []string
	for _, part := range splitCompound(raw) {
		part = expandEnvRefs(part)
		out = append(out, expandBraces(part)...)
	}
	out = append(out, joinCdForms(raw)...)
	return out
}

var compoundSplit = regexp.MustCompile(`;|&&|\|\||\n`)

func splitCompound(raw string) []string {
	parts := compoundSplit.Split(raw, -1)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func expandEnvRefs(s string) string {
	for _, name := range sensitiveEnvVars {
		if v := os.Getenv(name); v != "" {
			s = strings.ReplaceAll(s, "$"+name, v)
			s = strings.ReplaceAll(s, "${"+name+"}", v)
		}
	}
	return s
}

var braceExpand = regexp.MustCompile(`\{([^{}]+)\}`)

// expandBraces expands one level of `{a,b,c}` brace expansion.
func expandBraces(s string) []string {
	m := braceExpand.FindStringSubmatchIndex(s)
	if m == nil {
		return []string{s}
	}
	prefix, suffix := s[:m[0]], s[m[1]:]
	options := strings.Split(s[m[2]:m[3]], ",")
	var out []string
	for _, opt := range options {
		out = append(out, prefix+opt+suffix)
	}
	return out
}

var cdThenCmd = regexp.MustCompile(`cd\s+(\S+)\s*(?:&&|;)\s*\S+\s+(\S+)`)

// joinCdForms catches `cd <dir> && cat <file>` where <file> is relative
// to <dir>.
func joinCdForms(raw string) []string {
	m := cdThenCmd.FindStringSubmatch(raw)
	if m == nil {
		return nil
	}
	dir, file := m[1], m[2]
	if filepath.IsAbs(file) {
		return []string{file}
	}
	return []string{filepath.Join(dir, file)}
}

func checkBashCommand(raw string) error {
	normalized := strings.ToLower(raw)
	normalized = stripWrapperPrefixes(normalized)
	for _, re := range bashBlockPatterns {
		if re.MatchString(normalized) {
			return fmt.Errorf("guardrail: bash command matches blocked pattern")
		}
	}
	return nil
}

var wrapperPrefix = regexp.MustCompile(`^\s*(env\s+|command\s+)+`)

func stripWrapperPrefixes(cmd string) string {
	return wrapperPrefix.ReplaceAllString(cmd, "")
}
