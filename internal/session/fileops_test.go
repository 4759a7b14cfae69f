package session

import "testing"

func TestParseLsOutput_Flat(t *testing.T) {
	output := "total 8\n" +
		"-rw-r--r-- 1 root root    5 Jan  2 03:04 README.md\n" +
		"drwxr-xr-x 2 root root 4096 Jan  2 03:04 sub\n"

	entries := parseLsOutput(output, "/workspace")
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}

	readme := entries[0]
	if readme.Name != "README.md" || readme.Type != "file" || readme.Size != 5 {
		t.Errorf("unexpected readme entry: %+v", readme)
	}
	if readme.AbsolutePath != "/workspace/README.md" {
		t.Errorf("AbsolutePath = %q, want /workspace/README.md", readme.AbsolutePath)
	}
	if readme.RelativePath != "README.md" {
		t.Errorf("RelativePath = %q, want README.md", readme.RelativePath)
	}

	sub := entries[1]
	if sub.Type != "directory" {
		t.Errorf("sub.Type = %q, want directory", sub.Type)
	}
}

func TestParseLsOutput_Recursive(t *testing.T) {
	output := "/workspace:\n" +
		"total 4\n" +
		"drwxr-xr-x 2 root root 4096 Jan  2 03:04 sub\n" +
		"\n" +
		"/workspace/sub:\n" +
		"total 4\n" +
		"-rw-r--r-- 1 root root   12 Jan  2 03:05 nested.txt\n"

	entries := parseLsOutput(output, "/workspace")
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[1].Name != "nested.txt" || entries[1].AbsolutePath != "/workspace/sub/nested.txt" {
		t.Errorf("unexpected nested entry: %+v", entries[1])
	}
	if entries[1].RelativePath != "sub/nested.txt" {
		t.Errorf("RelativePath = %q, want sub/nested.txt", entries[1].RelativePath)
	}
}

func TestParseLsOutput_Symlink(t *testing.T) {
	output := "lrwxrwxrwx 1 root root 4 Jan  2 03:04 link -> target\n"
	entries := parseLsOutput(output, "/workspace")
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].Type != "symlink" || entries[0].Name != "link" {
		t.Errorf("unexpected symlink entry: %+v", entries[0])
	}
}

func TestDirname(t *testing.T) {
	cases := map[string]string{
		"/workspace/file.txt": "/workspace",
		"/file.txt":           "/",
		"file.txt":            "/",
	}
	for input, want := range cases {
		if got := dirname(input); got != want {
			t.Errorf("dirname(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestJoinPath(t *testing.T) {
	if got := joinPath("/workspace", "file.txt"); got != "/workspace/file.txt" {
		t.Errorf("joinPath = %q", got)
	}
	if got := joinPath("/workspace/", "file.txt"); got != "/workspace/file.txt" {
		t.Errorf("joinPath with trailing slash = %q", got)
	}
}

func TestShellSingleQuote(t *testing.T) {
	if got := shellSingleQuote("it's"); got != `'it'\''s'` {
		t.Errorf("shellSingleQuote(\"it's\") = %q", got)
	}
}

func TestBase64EncodeKnownVectors(t *testing.T) {
	// No base64 decoder lives in this package (decoding happens in the
	// shell via `base64 -d`); this test just pins the encoder's output
	// against known-good vectors.
	if got := base64Encode([]byte("a")); got != "YQ==" {
		t.Errorf("base64Encode(\"a\") = %q, want YQ==", got)
	}
	if got := base64Encode([]byte("hello")); got != "aGVsbG8=" {
		t.Errorf("base64Encode(\"hello\") = %q, want aGVsbG8=", got)
	}
	if got := base64Encode([]byte{}); got != "" {
		t.Errorf("base64Encode(empty) = %q, want empty", got)
	}
}
