package model

import "testing"

func TestBuildFilesOrder(t *testing.T) {
	b := &Build{
		Artifacts: map[string]Artifact{
			"c-0.1.whl": {Filename: "c-0.1.whl"},
			"a-0.1.whl": {Filename: "a-0.1.whl"},
			"b-0.1.whl": {Filename: "b-0.1.whl"},
		},
	}
	got := b.Files()
	want := []string{"a-0.1.whl", "b-0.1.whl", "c-0.1.whl"}
	if len(got) != len(want) {
		t.Fatalf("Files() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Files() = %v, want %v", got, want)
		}
	}
}

func TestBuildPendingFilesExcludesTransferred(t *testing.T) {
	b := &Build{
		Package: "foo",
		Version: "0.1",
		Artifacts: map[string]Artifact{
			"foo-0.1-cp34-cp34m-linux_armv7l.whl": {Filename: "foo-0.1-cp34-cp34m-linux_armv7l.whl", PlatformTag: "linux_armv7l"},
		},
	}
	b.ApplyArmV6Aliases()
	if len(b.Artifacts) != 2 {
		t.Fatalf("ApplyArmV6Aliases: expected 2 artifacts after aliasing, got %d", len(b.Artifacts))
	}
	pending := b.PendingFiles()
	if len(pending) != 1 || pending[0] != "foo-0.1-cp34-cp34m-linux_armv7l.whl" {
		t.Errorf("PendingFiles() = %v, want only the real armv7l artifact (alias is pre-transferred)", pending)
	}
}

func TestBuildApplyArmV6AliasesSkipsNonArm(t *testing.T) {
	b := &Build{
		Artifacts: map[string]Artifact{
			"foo-0.1-cp34-cp34m-manylinux2014_x86_64.whl": {Filename: "foo-0.1-cp34-cp34m-manylinux2014_x86_64.whl", PlatformTag: "manylinux2014_x86_64"},
		},
	}
	b.ApplyArmV6Aliases()
	if len(b.Artifacts) != 1 {
		t.Errorf("ApplyArmV6Aliases: expected no alias added for a non-arm artifact, got %d artifacts", len(b.Artifacts))
	}
}
