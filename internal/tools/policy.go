package tools

import "strings"

// toolGroups maps group names to member tool names. Policy entries written
// as "group:<name>" expand through this table.
var toolGroups = map[string][]string{
	CategoryFileRead:  {"read_file", "list_files"},
	CategoryFileWrite: {"write_file", "edit_file"},
	CategorySearch:    {"search_files", "glob"},
	CategoryShell:     {"exec"},
	CategoryGit:       {"git_status", "git_diff", "git_commit"},
	CategorySkill:     {"skill"},
}

// Policy is an immutable allow/deny filter over tool names. Deny wins over
// allow; an empty allow list allows everything not denied.
type Policy struct {
	Allow []string
	Deny  []string
}

// Named profiles.
var (
	// PolicyReadOnly is the dispatcher's tool set: reading and searching
	// only, plus skill docs.
	PolicyReadOnly = Policy{Allow: []string{"group:file-read", "group:search", "group:skill"}}

	// PolicyFull applies no filtering.
	PolicyFull = Policy{}

	// PolicySafe blocks shell access and destructive tools.
	PolicySafe = Policy{Deny: []string{"group:shell", "delete_*"}}
)

// ProfileByName resolves a profile name. Unknown names get the full policy.
func ProfileByName(name string) Policy {
	switch name {
	case "read-only":
		return PolicyReadOnly
	case "safe":
		return PolicySafe
	default:
		return PolicyFull
	}
}

// Allows reports whether the policy permits the named tool.
func (p Policy) Allows(name string) bool {
	for _, entry := range expandGroups(p.Deny) {
		if matchEntry(entry, name) {
			return false
		}
	}
	if len(p.Allow) == 0 {
		return true
	}
	for _, entry := range expandGroups(p.Allow) {
		if matchEntry(entry, name) {
			return true
		}
	}
	return false
}

// expandGroups replaces group:<name> entries with their member tools.
// Unknown groups expand to nothing.
func expandGroups(entries []string) []string {
	var out []string
	for _, e := range entries {
		if g, ok := strings.CutPrefix(e, "group:"); ok {
			out = append(out, toolGroups[g]...)
			continue
		}
		out = append(out, e)
	}
	return out
}

// matchEntry matches a policy entry against a tool name, supporting a
// trailing-* wildcard ("git_*" matches git_status).
func matchEntry(entry, name string) bool {
	if prefix, ok := strings.CutSuffix(entry, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return entry == name
}
