package agent

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/azharlabs/papert-claw/internal/workspace"
)

// Candidate priority tiers: attachments beat generic workspace files, which
// beat the agent-maintained state file.
const (
	tierState = iota
	tierGeneric
	tierAttachment
)

var (
	// fileTokenPattern matches explicit "name.ext" references in free text.
	fileTokenPattern = regexp.MustCompile(`\b[\w][\w\-.]*\.[A-Za-z0-9]{1,8}\b`)

	sendAllPattern   = regexp.MustCompile(`\b(files|attachments|both)\b`)
	demonstrative    = regexp.MustCompile(`\b(this|that|it)\b`)
	transferVerb     = regexp.MustCompile(`\b(attach\w*|upload\w*|send\w*|share\w*)\b`)
	sentenceBoundary = regexp.MustCompile(`[\s,;:!?"'()\[\]{}]+`)
)

// FileTokens extracts explicit file-name references ("report.pdf") from text.
// Trailing sentence punctuation is not part of a token.
func FileTokens(text string) []string {
	var tokens []string
	seen := make(map[string]bool)
	for _, field := range sentenceBoundary.Split(text, -1) {
		m := fileTokenPattern.FindString(field)
		if m == "" {
			continue
		}
		key := strings.ToLower(m)
		if !seen[key] {
			seen[key] = true
			tokens = append(tokens, m)
		}
	}
	return tokens
}

func wantsAll(text string) bool {
	return sendAllPattern.MatchString(strings.ToLower(text))
}

func wantsLatest(text string) bool {
	lower := strings.ToLower(text)
	return demonstrative.MatchString(lower) && transferVerb.MatchString(lower)
}

type candidate struct {
	path string
	tier int
	mod  int64
}

// SelectUploads applies the upload-selection policy: given candidate absolute
// paths, the user's original text, and the workspace, it returns the files
// that should actually be sent back to the user.
//
// Explicit file names in the text take priority. Without them, "send
// everything" phrasing accepts all valid candidates and "send the latest"
// phrasing accepts exactly one; with neither signal nothing is accepted.
func SelectUploads(paths []string, userText string, ws *workspace.Workspace) []string {
	candidates := validCandidates(paths, ws)
	if len(candidates) == 0 {
		return nil
	}

	if names := FileTokens(userText); len(names) > 0 {
		wanted := make(map[string]bool, len(names))
		for _, n := range names {
			wanted[strings.ToLower(n)] = true
		}
		var out []string
		for _, c := range candidates {
			if wanted[strings.ToLower(filepath.Base(c.path))] {
				out = append(out, c.path)
			}
		}
		return out
	}

	// "All" phrasing is checked before "latest": a message matching both
	// sends everything.
	if wantsAll(userText) {
		best := candidates[0].tier
		for _, c := range candidates {
			if c.tier > best {
				best = c.tier
			}
		}
		var out []string
		for _, c := range candidates {
			// The state file only ships when nothing better exists.
			if c.tier == tierState && best > tierState {
				continue
			}
			out = append(out, c.path)
		}
		return out
	}

	if wantsLatest(userText) {
		sort.Slice(candidates, func(i, j int) bool {
			a, b := candidates[i], candidates[j]
			if a.tier != b.tier {
				return a.tier > b.tier
			}
			if a.mod != b.mod {
				return a.mod > b.mod
			}
			return a.path > b.path
		})
		return []string{candidates[0].path}
	}

	return nil
}

// validCandidates drops anything outside the workspace, under the reserved
// internal directory, or missing from disk. Non-conforming entries are
// silently dropped, never surfaced as errors.
func validCandidates(paths []string, ws *workspace.Workspace) []candidate {
	attachments := ws.AttachmentsDir()
	var out []candidate
	seen := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		abs = filepath.Clean(abs)
		if seen[abs] {
			continue
		}
		if !ws.Contains(abs) || ws.IsInternal(abs) {
			continue
		}
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			continue
		}
		seen[abs] = true

		tier := tierGeneric
		if strings.HasPrefix(abs, attachments+string(filepath.Separator)) {
			tier = tierAttachment
		} else if filepath.Base(abs) == workspace.StateFileName {
			tier = tierState
		}
		out = append(out, candidate{path: abs, tier: tier, mod: info.ModTime().UnixNano()})
	}
	return out
}

// resolveNamed looks for the given file names directly in the workspace root
// and its attachments subdirectory, returning the paths that exist.
func resolveNamed(names []string, ws *workspace.Workspace) []string {
	var out []string
	for _, name := range names {
		base := filepath.Base(name)
		for _, dir := range []string{ws.Root(), ws.AttachmentsDir()} {
			p := filepath.Join(dir, base)
			if info, err := os.Stat(p); err == nil && !info.IsDir() {
				out = append(out, p)
			}
		}
	}
	return out
}
