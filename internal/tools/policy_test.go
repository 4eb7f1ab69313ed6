package tools

import "testing"

func TestPolicyEmptyAllowsEverything(t *testing.T) {
	p := Policy{}
	for _, name := range []string{"read_file", "exec", "git_commit"} {
		if !p.Allows(name) {
			t.Errorf("empty policy should allow %s", name)
		}
	}
}

func TestPolicyDenyWins(t *testing.T) {
	p := Policy{Allow: []string{"exec"}, Deny: []string{"exec"}}
	if p.Allows("exec") {
		t.Error("deny must win over allow")
	}
}

func TestPolicyGroupExpansion(t *testing.T) {
	p := Policy{Allow: []string{"group:file-read"}}
	if !p.Allows("read_file") {
		t.Error("group:file-read should allow read_file")
	}
	if !p.Allows("list_files") {
		t.Error("group:file-read should allow list_files")
	}
	if p.Allows("write_file") {
		t.Error("group:file-read should not allow write_file")
	}
}

func TestPolicyWildcard(t *testing.T) {
	p := Policy{Deny: []string{"git_*"}}
	if p.Allows("git_commit") {
		t.Error("git_* should deny git_commit")
	}
	if !p.Allows("read_file") {
		t.Error("git_* should not affect read_file")
	}
}

func TestReadOnlyProfile(t *testing.T) {
	p := ProfileByName("read-only")
	for _, allowed := range []string{"read_file", "list_files", "search_files", "glob", "skill"} {
		if !p.Allows(allowed) {
			t.Errorf("read-only should allow %s", allowed)
		}
	}
	for _, denied := range []string{"write_file", "edit_file", "exec", "git_commit"} {
		if p.Allows(denied) {
			t.Errorf("read-only should not allow %s", denied)
		}
	}
}

func TestSafeProfile(t *testing.T) {
	p := ProfileByName("safe")
	if p.Allows("exec") {
		t.Error("safe should deny exec")
	}
	if p.Allows("delete_branch") {
		t.Error("safe should deny delete_* wildcard")
	}
	if !p.Allows("write_file") {
		t.Error("safe should allow write_file")
	}
}
