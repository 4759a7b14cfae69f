package validate

import "testing"

func TestBranchName(t *testing.T) {
	tests := []struct {
		name    string
		branch  string
		wantErr bool
	}{
		{"simple", "main", false},
		{"with-slash", "feature/foo-bar", false},
		{"empty", "", true},
		{"dot-dot", "feature/../escape", true},
		{"lock-suffix", "main.lock", true},
		{"leading-dash", "-main", true},
		{"space", "feature branch", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := BranchName(tt.branch)
			if (err != nil) != tt.wantErr {
				t.Errorf("BranchName(%q) error = %v, wantErr %v", tt.branch, err, tt.wantErr)
			}
		})
	}
}

func TestRepoURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"https", "https://github.com/kandev/sandboxbroker.git", false},
		{"ssh-shorthand", "git@github.com:kandev/sandboxbroker.git", false},
		{"ssh-scheme", "ssh://git@github.com/kandev/sandboxbroker", false},
		{"empty", "", true},
		{"shell-injection", "https://example.com/repo; rm -rf /", true},
		{"bare-path", "/local/path/to/repo", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RepoURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("RepoURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestPort(t *testing.T) {
	if err := Port(8080); err != nil {
		t.Errorf("Port(8080) should be valid: %v", err)
	}
	if err := Port(1023); err == nil {
		t.Error("Port(1023) should be invalid (below range)")
	}
	if err := Port(65536); err == nil {
		t.Error("Port(65536) should be invalid (above range)")
	}
}

func TestResolveSafePath(t *testing.T) {
	root := "/workspace"

	resolved, err := ResolveSafePath(root, "sub/file.txt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if resolved != "/workspace/sub/file.txt" {
		t.Errorf("unexpected resolved path: %s", resolved)
	}

	if _, err := ResolveSafePath(root, "../../etc/passwd"); err == nil {
		t.Error("expected traversal outside root to be rejected")
	}

	if _, err := ResolveSafePath(root, "/etc/passwd"); err == nil {
		t.Error("expected absolute path outside root to be rejected")
	}

	resolved, err = ResolveSafePath(root, "/workspace/nested/../file.txt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if resolved != "/workspace/file.txt" {
		t.Errorf("unexpected resolved path after clean: %s", resolved)
	}
}

func TestContentSize(t *testing.T) {
	if err := ContentSize(make([]byte, 1024)); err != nil {
		t.Errorf("small content should be valid: %v", err)
	}
	if err := ContentSize(make([]byte, MaxFileContentBytes+1)); err == nil {
		t.Error("oversized content should be rejected")
	}
}
