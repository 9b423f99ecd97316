package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidatePathRejectsRawMarkers(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"traversal", "../outside.txt"},
		{"embedded traversal", "a/../../b"},
		{"home marker", "~/secrets"},
		{"embedded tilde", "dir/~file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ValidatePath(tt.raw, root); err == nil {
				t.Errorf("ValidatePath(%q) accepted", tt.raw)
			}
		})
	}
}

func TestValidatePathRelativeJoinsRoot(t *testing.T) {
	root := t.TempDir()
	got, err := ValidatePath("sub/file.txt", root)
	if err != nil {
		t.Fatal(err)
	}
	wantRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(wantRoot, "sub", "file.txt") {
		t.Errorf("resolved to %q", got)
	}
}

func TestValidatePathAbsoluteOutsideRoot(t *testing.T) {
	root := t.TempDir()
	other := t.TempDir()
	if _, err := ValidatePath(filepath.Join(other, "x.txt"), root); err == nil {
		t.Error("path outside root accepted")
	}
}

func TestValidatePathSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}
	if _, err := ValidatePath("link/escape.txt", root); err == nil {
		t.Error("symlink escape accepted")
	}
}

func TestValidatePathNonExistentLeaf(t *testing.T) {
	root := t.TempDir()
	got, err := ValidatePath("new/deep/file.txt", root)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(got, filepath.Join("new", "deep", "file.txt")) {
		t.Errorf("resolved to %q", got)
	}
}

func TestValidateSessionCwdDefaultsToHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	got, err := ValidateSessionCwd("")
	if err != nil {
		t.Fatal(err)
	}
	wantHome, err := filepath.EvalSymlinks(home)
	if err != nil {
		wantHome = home
	}
	if got != home && got != wantHome {
		t.Errorf("empty cwd resolved to %q", got)
	}
}

func TestValidateSessionCwdExpandsHomePrefix(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	got, err := ValidateSessionCwd("~/projects")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(got, filepath.Join(filepath.Base(home), "projects")) {
		t.Errorf("expanded to %q", got)
	}
}

func TestValidateSessionCwdRejectsBadInput(t *testing.T) {
	for _, cwd := range []string{"relative/dir", "/home/../etc", "/tmp/~x"} {
		if _, err := ValidateSessionCwd(cwd); err == nil {
			t.Errorf("ValidateSessionCwd(%q) accepted", cwd)
		}
	}
}

func TestValidateSessionCwdAllowsTempRoot(t *testing.T) {
	dir := t.TempDir()
	got, err := ValidateSessionCwd(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got == "" {
		t.Error("empty resolution")
	}
}

func TestValidateSessionCwdRejectsOutsideRoots(t *testing.T) {
	if _, err := ValidateSessionCwd("/opt/somewhere"); err == nil {
		t.Error("cwd outside allowed roots accepted")
	}
}
