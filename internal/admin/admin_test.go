package admin

import (
	"context"
	"testing"
	"time"

	"github.com/pkgforge/master/internal/catalog"
	"github.com/pkgforge/master/internal/model"
	"github.com/pkgforge/master/internal/publisher"
	"github.com/pkgforge/master/internal/wire"
)

// fakeCatalog is a minimal, fully-configurable stand-in for
// catalog.Operations covering everything admin.Ingress touches.
type fakeCatalog struct {
	abis            []string
	versionExists   bool
	loggedBuilds    []model.Build
	addedPackages   []string
	addedVersions   []string
	removedPackages []string
	removedVersions []string
	files           map[string][]catalog.PackageFile
}

func (f *fakeCatalog) GetUpstreamSerial(ctx context.Context) (int64, error)      { return 0, nil }
func (f *fakeCatalog) SetUpstreamSerial(ctx context.Context, serial int64) error { return nil }
func (f *fakeCatalog) AddNewPackage(ctx context.Context, name string) error      { return nil }
func (f *fakeCatalog) AddNewPackageVersion(ctx context.Context, name, version string) error {
	return nil
}
func (f *fakeCatalog) GetBuildQueue(ctx context.Context, abi string) ([]catalog.BuildQueueEntry, error) {
	return nil, nil
}
func (f *fakeCatalog) GetBuildABIs(ctx context.Context) ([]string, error) { return f.abis, nil }
func (f *fakeCatalog) LogBuildRun(ctx context.Context, builderID int64, abi string, started time.Time, success bool) error {
	return nil
}
func (f *fakeCatalog) LogBuild(ctx context.Context, b model.Build) error {
	f.loggedBuilds = append(f.loggedBuilds, b)
	return nil
}
func (f *fakeCatalog) GetAllPackages(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeCatalog) GetPackageFiles(ctx context.Context, pkg string) ([]catalog.PackageFile, error) {
	return f.files[pkg], nil
}
func (f *fakeCatalog) VersionExists(ctx context.Context, pkg, version string) (bool, error) {
	return f.versionExists, nil
}
func (f *fakeCatalog) AddPackageManual(ctx context.Context, pkg string) error {
	f.addedPackages = append(f.addedPackages, pkg)
	return nil
}
func (f *fakeCatalog) AddVersionManual(ctx context.Context, pkg, version, skipReason string) error {
	f.addedVersions = append(f.addedVersions, pkg+"-"+version)
	return nil
}
func (f *fakeCatalog) RemovePackage(ctx context.Context, pkg string, cascade bool) error {
	f.removedPackages = append(f.removedPackages, pkg)
	return nil
}
func (f *fakeCatalog) RemoveVersion(ctx context.Context, pkg, version string, cascade bool) error {
	f.removedVersions = append(f.removedVersions, pkg+"-"+version)
	return nil
}
func (f *fakeCatalog) GetSummary(ctx context.Context) (catalog.Summary, error) {
	return catalog.Summary{}, nil
}

type fakeReceiver struct {
	expectCalls  int
	verifyResult bool
	removed      []string
}

func (r *fakeReceiver) Expect(ctx context.Context, builderID int64, artifact model.Artifact) error {
	r.expectCalls++
	return nil
}
func (r *fakeReceiver) Verify(ctx context.Context, builderID int64, pkg string) (bool, error) {
	return r.verifyResult, nil
}
func (r *fakeReceiver) Remove(ctx context.Context, pkg, filename string) error {
	r.removed = append(r.removed, pkg+"/"+filename)
	return nil
}

type fakeIndexer struct{ notified []string }

func (i *fakeIndexer) NotifyPackageBuilt(pkg string) { i.notified = append(i.notified, pkg) }

func newTestIngress(t *testing.T, cat *fakeCatalog, recv *fakeReceiver, idx *fakeIndexer) *Ingress {
	t.Helper()
	pub, err := publisher.New(context.Background(), cat, t.TempDir())
	if err != nil {
		t.Fatalf("publisher.New: %v", err)
	}
	return &Ingress{
		cat:      cat,
		receiver: recv,
		indexer:  idx,
		pub:      pub,
		states:   map[string]*importState{},
	}
}

func TestResolveABIDefaultsToLexicographicallySmallest(t *testing.T) {
	cat := &fakeCatalog{abis: []string{"cp39m", "cp34m", "cp35m"}}
	ing := newTestIngress(t, cat, &fakeReceiver{}, &fakeIndexer{})
	got, err := ing.resolveABI(context.Background(), "")
	if err != nil {
		t.Fatalf("resolveABI: %v", err)
	}
	if got != "cp34m" {
		t.Errorf("resolveABI(\"\") = %q, want cp34m (lexicographically smallest)", got)
	}
}

func TestResolveABIRejectsUnsupportedABI(t *testing.T) {
	cat := &fakeCatalog{abis: []string{"cp34m"}}
	ing := newTestIngress(t, cat, &fakeReceiver{}, &fakeIndexer{})
	if _, err := ing.resolveABI(context.Background(), "cp99m"); err == nil {
		t.Error("resolveABI: expected an error for an ABI outside the supported set")
	}
}

func TestDoImportRejectsFailedBuild(t *testing.T) {
	ing := newTestIngress(t, &fakeCatalog{}, &fakeReceiver{}, &fakeIndexer{})
	verb, _ := ing.doImport(context.Background(), "peer1", wire.ImportArgs{Status: false})
	if verb != "ERROR" {
		t.Errorf("doImport(status=false) = %q, want ERROR", verb)
	}
}

func TestDoImportRejectsEmptyArtifactSet(t *testing.T) {
	ing := newTestIngress(t, &fakeCatalog{}, &fakeReceiver{}, &fakeIndexer{})
	verb, _ := ing.doImport(context.Background(), "peer1", wire.ImportArgs{Status: true})
	if verb != "ERROR" {
		t.Errorf("doImport(no artifacts) = %q, want ERROR", verb)
	}
}

func TestDoImportRejectsSuppliedArmV6l(t *testing.T) {
	ing := newTestIngress(t, &fakeCatalog{}, &fakeReceiver{}, &fakeIndexer{})
	verb, _ := ing.doImport(context.Background(), "peer1", wire.ImportArgs{
		Status:    true,
		Artifacts: []wire.ArtifactArgs{{Filename: "foo-0.1-cp34-cp34m-linux_armv6l.whl", PlatformTag: "linux_armv6l"}},
	})
	if verb != "ERROR" {
		t.Errorf("doImport(armv6l supplied) = %q, want ERROR (armv6l must be synthesized, never supplied)", verb)
	}
}

func TestDoImportRejectsUnknownPackageVersion(t *testing.T) {
	cat := &fakeCatalog{abis: []string{"cp34m"}, versionExists: false}
	ing := newTestIngress(t, cat, &fakeReceiver{}, &fakeIndexer{})
	verb, _ := ing.doImport(context.Background(), "peer1", wire.ImportArgs{
		Status: true, Package: "foo", Version: "0.1",
		Artifacts: []wire.ArtifactArgs{{Filename: "foo-0.1-cp34-cp34m-manylinux2014_x86_64.whl", Package: "foo", Version: "0.1"}},
	})
	if verb != "ERROR" {
		t.Errorf("doImport(unknown pkg/version) = %q, want ERROR", verb)
	}
}

func TestDoImportHappyPathAsksReceiverToExpectFirstFile(t *testing.T) {
	cat := &fakeCatalog{abis: []string{"cp34m"}, versionExists: true}
	recv := &fakeReceiver{}
	idx := &fakeIndexer{}
	ing := newTestIngress(t, cat, recv, idx)

	verb, args := ing.doImport(context.Background(), "peer1", wire.ImportArgs{
		Status: true, Package: "foo", Version: "0.1",
		Artifacts: []wire.ArtifactArgs{{Filename: "foo-0.1-cp34-cp34m-manylinux2014_x86_64.whl", Package: "foo", Version: "0.1"}},
	})
	if verb != "SEND" {
		t.Fatalf("doImport happy path = %q, want SEND", verb)
	}
	done, ok := args.(wire.DoneArgs)
	if !ok || done.Verb != "foo-0.1-cp34-cp34m-manylinux2014_x86_64.whl" {
		t.Errorf("doImport SEND args = %+v", args)
	}
	if recv.expectCalls != 1 {
		t.Errorf("receiver.Expect calls = %d, want 1", recv.expectCalls)
	}
	if len(cat.loggedBuilds) != 1 {
		t.Errorf("LogBuild calls = %d, want 1", len(cat.loggedBuilds))
	}
	if _, ok := ing.states["peer1"]; !ok {
		t.Error("expected an import state to be tracked for peer1")
	}
}

func TestDoSentRetriesOnVerifyFailure(t *testing.T) {
	cat := &fakeCatalog{abis: []string{"cp34m"}, versionExists: true}
	recv := &fakeReceiver{verifyResult: false}
	ing := newTestIngress(t, cat, recv, &fakeIndexer{})
	ing.doImport(context.Background(), "peer1", wire.ImportArgs{
		Status: true, Package: "foo", Version: "0.1",
		Artifacts: []wire.ArtifactArgs{{Filename: "foo-0.1-cp34-cp34m-manylinux2014_x86_64.whl"}},
	})

	verb, args := ing.doSent(context.Background(), "peer1")
	if verb != "SEND" {
		t.Fatalf("doSent after failed verify = %q, want SEND (retry)", verb)
	}
	done := args.(wire.DoneArgs)
	if done.Verb != "foo-0.1-cp34-cp34m-manylinux2014_x86_64.whl" {
		t.Errorf("doSent retry args = %+v", args)
	}
	if _, ok := ing.states["peer1"]; !ok {
		t.Error("a failed verify must not drop the in-flight import state")
	}
}

func TestDoSentCompletesOnVerifySuccess(t *testing.T) {
	cat := &fakeCatalog{abis: []string{"cp34m"}, versionExists: true}
	recv := &fakeReceiver{verifyResult: true}
	idx := &fakeIndexer{}
	ing := newTestIngress(t, cat, recv, idx)
	ing.doImport(context.Background(), "peer1", wire.ImportArgs{
		Status: true, Package: "foo", Version: "0.1",
		Artifacts: []wire.ArtifactArgs{{Filename: "foo-0.1-cp34-cp34m-manylinux2014_x86_64.whl"}},
	})

	verb, args := ing.doSent(context.Background(), "peer1")
	if verb != "DONE" {
		t.Fatalf("doSent after successful verify = %q, want DONE", verb)
	}
	if args.(wire.DoneArgs).Verb != "IMPORT" {
		t.Errorf("doSent DONE args = %+v", args)
	}
	if _, ok := ing.states["peer1"]; ok {
		t.Error("a completed import must drop its in-flight state")
	}
	if len(idx.notified) != 1 || idx.notified[0] != "foo" {
		t.Errorf("indexer.NotifyPackageBuilt calls = %v, want [foo]", idx.notified)
	}
}

func TestDoSentWithNoActiveImportErrors(t *testing.T) {
	ing := newTestIngress(t, &fakeCatalog{}, &fakeReceiver{}, &fakeIndexer{})
	verb, _ := ing.doSent(context.Background(), "nobody")
	if verb != "ERROR" {
		t.Errorf("doSent(no active import) = %q, want ERROR", verb)
	}
}

func TestDoRemPkgRemovesFilesAndCatalogRow(t *testing.T) {
	cat := &fakeCatalog{files: map[string][]catalog.PackageFile{
		"foo": {{Filename: "foo-0.1-cp34-cp34m-manylinux2014_x86_64.whl"}},
	}}
	recv := &fakeReceiver{}
	ing := newTestIngress(t, cat, recv, &fakeIndexer{})

	verb, _ := ing.doRemPkg(context.Background(), wire.RemPkgArgs{Package: "foo"})
	if verb != "DONE" {
		t.Fatalf("doRemPkg = %q, want DONE", verb)
	}
	if len(recv.removed) != 1 || recv.removed[0] != "foo/foo-0.1-cp34-cp34m-manylinux2014_x86_64.whl" {
		t.Errorf("receiver.Remove calls = %v", recv.removed)
	}
	if len(cat.removedPackages) != 1 || cat.removedPackages[0] != "foo" {
		t.Errorf("catalog.RemovePackage calls = %v", cat.removedPackages)
	}
}

func TestDoAddPkgAndAddVer(t *testing.T) {
	cat := &fakeCatalog{}
	ing := newTestIngress(t, cat, &fakeReceiver{}, &fakeIndexer{})

	if verb, _ := ing.doAddPkg(context.Background(), wire.AddPkgArgs{Package: "foo"}); verb != "DONE" {
		t.Errorf("doAddPkg = %q, want DONE", verb)
	}
	if len(cat.addedPackages) != 1 || cat.addedPackages[0] != "foo" {
		t.Errorf("AddPackageManual calls = %v", cat.addedPackages)
	}

	if verb, _ := ing.doAddVer(context.Background(), wire.AddVerArgs{Package: "foo", Version: "0.1"}); verb != "DONE" {
		t.Errorf("doAddVer = %q, want DONE", verb)
	}
	if len(cat.addedVersions) != 1 || cat.addedVersions[0] != "foo-0.1" {
		t.Errorf("AddVersionManual calls = %v", cat.addedVersions)
	}
}

func TestDoRebuildInvalidTargetErrors(t *testing.T) {
	ing := newTestIngress(t, &fakeCatalog{}, &fakeReceiver{}, &fakeIndexer{})
	verb, _ := ing.doRebuild(context.Background(), wire.RebuildArgs{Target: "NOT_A_TARGET"})
	if verb != "ERROR" {
		t.Errorf("doRebuild(bad target) = %q, want ERROR", verb)
	}
}

func TestDoRebuildProjectRequiresPackage(t *testing.T) {
	ing := newTestIngress(t, &fakeCatalog{}, &fakeReceiver{}, &fakeIndexer{})
	verb, _ := ing.doRebuild(context.Background(), wire.RebuildArgs{Target: "PROJECT"})
	if verb != "ERROR" {
		t.Errorf("doRebuild(PROJECT, no package) = %q, want ERROR", verb)
	}
}

func TestDoRebuildHome(t *testing.T) {
	ing := newTestIngress(t, &fakeCatalog{}, &fakeReceiver{}, &fakeIndexer{})
	verb, _ := ing.doRebuild(context.Background(), wire.RebuildArgs{Target: "HOME"})
	if verb != "DONE" {
		t.Errorf("doRebuild(HOME) = %q, want DONE", verb)
	}
}
