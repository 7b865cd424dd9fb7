package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/spf13/afero"
)

func seed(t *testing.T, fs afero.Fs, files map[string]string) {
	t.Helper()
	for p, body := range files {
		if err := fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := afero.WriteFile(fs, p, []byte(body), 0o640); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPackExtract_TransfersListedFiles(t *testing.T) {
	remote := afero.NewMemMapFs()
	seed(t, remote, map[string]string{
		"/home/site/index.php": "<?php echo 1;",
		"/home/site/img/a.png": "png-bytes",
		"/home/site/other.txt": "not listed",
	})
	mtime := time.Unix(1700000000, 0)
	if err := remote.Chtimes("/home/site/index.php", mtime, mtime); err != nil {
		t.Fatal(err)
	}

	var stream bytes.Buffer
	packed, err := Pack(context.Background(), remote, &stream,
		[]string{"/home/site/index.php", "/home/site/img/a.png", "/home/site/vanished.txt"}, nil)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if packed.Files != 2 || packed.Skipped != 1 {
		t.Errorf("packed %+v, want 2 files and 1 skipped", packed)
	}

	local := afero.NewMemMapFs()
	st, err := Extract(context.Background(), local, &stream, "/gen")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if st.Files != 2 {
		t.Errorf("extracted %d files, want 2", st.Files)
	}

	body, err := afero.ReadFile(local, "/gen/home/site/index.php")
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "<?php echo 1;" {
		t.Errorf("index.php = %q", body)
	}
	info, err := local.Stat("/gen/home/site/index.php")
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(mtime) {
		t.Errorf("mtime = %v, want %v", info.ModTime(), mtime)
	}
	if ok, _ := afero.Exists(local, "/gen/home/site/other.txt"); ok {
		t.Error("unlisted file was transferred")
	}
}

func TestExtract_TruncatedStreamLeavesNoPartialFile(t *testing.T) {
	remote := afero.NewMemMapFs()
	big := make([]byte, 512*1024)
	rand.New(rand.NewSource(7)).Read(big)
	seed(t, remote, map[string]string{"/big.bin": string(big)})

	var stream bytes.Buffer
	if _, err := Pack(context.Background(), remote, &stream, []string{"/big.bin"}, nil); err != nil {
		t.Fatal(err)
	}
	truncated := bytes.NewReader(stream.Bytes()[:stream.Len()/2])

	local := afero.NewMemMapFs()
	if _, err := Extract(context.Background(), local, truncated, "/gen"); err == nil {
		t.Fatal("expected error for truncated stream")
	}
	if ok, _ := afero.Exists(local, "/gen/big.bin"); ok {
		t.Error("truncated file left at its final path")
	}
	if ok, _ := afero.Exists(local, "/gen/.big.bin.partial"); ok {
		t.Error("temporary file left behind")
	}
}

func TestExtract_EmptyStream(t *testing.T) {
	if _, err := Extract(context.Background(), afero.NewMemMapFs(), bytes.NewReader(nil), "/gen"); err == nil {
		t.Fatal("expected error for empty stream")
	}
}

func TestExtract_RejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := []byte("x")
	if err := tw.WriteHeader(&tar.Header{Name: "../../etc/passwd", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(body); err != nil {
		t.Fatal(err)
	}
	tw.Close()
	gz.Close()

	_, err := Extract(context.Background(), afero.NewMemMapFs(), &buf, "/gen")
	if !errors.Is(err, ErrPathTraversal) {
		t.Fatalf("expected ErrPathTraversal, got %v", err)
	}
}

func TestExtract_OverwritesExisting(t *testing.T) {
	remote := afero.NewMemMapFs()
	seed(t, remote, map[string]string{"/a.txt": "new"})
	var stream bytes.Buffer
	if _, err := Pack(context.Background(), remote, &stream, []string{"/a.txt"}, nil); err != nil {
		t.Fatal(err)
	}

	local := afero.NewMemMapFs()
	seed(t, local, map[string]string{"/gen/a.txt": "old contents"})
	if _, err := Extract(context.Background(), local, &stream, "/gen"); err != nil {
		t.Fatal(err)
	}
	body, _ := afero.ReadFile(local, "/gen/a.txt")
	if string(body) != "new" {
		t.Errorf("a.txt = %q, want new", body)
	}
}

// tarball builds a tar.gz stream from headers; regular entries get body as content.
func tarball(t *testing.T, entries []*tar.Header, body map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, h := range entries {
		if h.Typeflag == tar.TypeReg {
			h.Size = int64(len(body[h.Name]))
		}
		if err := tw.WriteHeader(h); err != nil {
			t.Fatal(err)
		}
		if h.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(body[h.Name])); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf
}

func TestExtract_HardLinkBecomesCopy(t *testing.T) {
	mtime := time.Unix(1700000000, 0)
	stream := tarball(t, []*tar.Header{
		{Name: "home/site/a.txt", Mode: 0o644, Typeflag: tar.TypeReg, ModTime: mtime},
		{Name: "home/site/b.txt", Mode: 0o644, Typeflag: tar.TypeLink, Linkname: "home/site/a.txt", ModTime: mtime},
	}, map[string]string{"home/site/a.txt": "shared"})

	local := afero.NewMemMapFs()
	st, err := Extract(context.Background(), local, stream, "/gen")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if st.Files != 2 || st.Skipped != 0 {
		t.Errorf("stats = %+v, want 2 files and nothing skipped", st)
	}
	body, err := afero.ReadFile(local, "/gen/home/site/b.txt")
	if err != nil {
		t.Fatalf("linked file missing: %v", err)
	}
	if string(body) != "shared" {
		t.Errorf("b.txt = %q, want shared", body)
	}
	info, err := local.Stat("/gen/home/site/b.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(mtime) {
		t.Errorf("mtime = %v, want %v", info.ModTime(), mtime)
	}
}

func TestExtract_HardLinkOutsideDestination(t *testing.T) {
	stream := tarball(t, []*tar.Header{
		{Name: "home/site/b.txt", Mode: 0o644, Typeflag: tar.TypeLink, Linkname: "../../etc/passwd"},
	}, nil)

	_, err := Extract(context.Background(), afero.NewMemMapFs(), stream, "/gen")
	if !errors.Is(err, ErrPathTraversal) {
		t.Fatalf("expected ErrPathTraversal, got %v", err)
	}
}

func TestExtract_HardLinkToMissingSourceFails(t *testing.T) {
	stream := tarball(t, []*tar.Header{
		{Name: "home/site/b.txt", Mode: 0o644, Typeflag: tar.TypeLink, Linkname: "home/site/a.txt"},
	}, nil)

	local := afero.NewMemMapFs()
	if _, err := Extract(context.Background(), local, stream, "/gen"); err == nil {
		t.Fatal("expected error for a link to a file that never arrived")
	}
	if ok, _ := afero.Exists(local, "/gen/home/site/b.txt"); ok {
		t.Error("link target written without a source")
	}
}

// shrinkingFs reports every file as grow bytes larger than it is, the way a
// file truncated between stat and read looks to the packer.
type shrinkingFs struct {
	afero.Fs
	grow int64
}

func (s shrinkingFs) Open(name string) (afero.File, error) {
	f, err := s.Fs.Open(name)
	if err != nil {
		return nil, err
	}
	return shrinkingFile{File: f, grow: s.grow}, nil
}

type shrinkingFile struct {
	afero.File
	grow int64
}

func (f shrinkingFile) Stat() (os.FileInfo, error) {
	info, err := f.File.Stat()
	if err != nil {
		return nil, err
	}
	return grownInfo{FileInfo: info, grow: f.grow}, nil
}

type grownInfo struct {
	os.FileInfo
	grow int64
}

func (g grownInfo) Size() int64 { return g.FileInfo.Size() + g.grow }

func TestPack_PadsFileThatShrank(t *testing.T) {
	remote := afero.NewMemMapFs()
	seed(t, remote, map[string]string{
		"/home/site/log.txt":   "abc",
		"/home/site/index.php": "<?php",
	})

	var stream bytes.Buffer
	packed, err := Pack(context.Background(), shrinkingFs{Fs: remote, grow: 5}, &stream,
		[]string{"/home/site/log.txt", "/home/site/index.php"}, nil)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if packed.Files != 2 {
		t.Errorf("packed %+v, want 2 files", packed)
	}

	gz, err := pgzip.NewReader(&stream)
	if err != nil {
		t.Fatal(err)
	}
	tr := tar.NewReader(gz)
	got := map[string][]byte{}
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("stream unreadable after padding: %v", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		got[h.Name] = data
	}
	if want := append([]byte("abc"), make([]byte, 5)...); !bytes.Equal(got["home/site/log.txt"], want) {
		t.Errorf("log.txt = %q, want %q", got["home/site/log.txt"], want)
	}
	if !bytes.HasPrefix(got["home/site/index.php"], []byte("<?php")) {
		t.Errorf("index.php = %q", got["home/site/index.php"])
	}
}
