package merge

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// writeArtifact writes content to a temp file and returns a matching
// Artifact with its true size and digest.
func writeArtifact(t *testing.T, content []byte) *Artifact {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact.merged")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	sum := sha256.Sum256(content)
	return &Artifact{
		Path:   path,
		Size:   int64(len(content)),
		Digest: hex.EncodeToString(sum[:]),
	}
}

// wavHeader is a minimal RIFF/WAVE preamble.
var wavHeader = []byte("RIFF\x24\x00\x00\x00WAVEfmt ")

func kindOf(t *testing.T, err error) IntegrityErrorKind {
	t.Helper()
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("error %v is not an *IntegrityError", err)
	}
	return ie.Kind
}

func TestVerify_OK(t *testing.T) {
	a := writeArtifact(t, append(wavHeader, []byte("audio payload")...))
	if err := Verify(a, a.Size, a.Digest, "wav"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerify_NoDeclaredDigestSkipsDigestCheck(t *testing.T) {
	a := writeArtifact(t, append(wavHeader, 1, 2, 3))
	if err := Verify(a, a.Size, "", "wav"); err != nil {
		t.Fatalf("Verify without declared digest: %v", err)
	}
}

func TestVerify_SizeMismatch(t *testing.T) {
	a := writeArtifact(t, append(wavHeader, 1, 2, 3))
	err := Verify(a, a.Size+1, "", "wav")
	if got := kindOf(t, err); got != IntegritySize {
		t.Errorf("kind = %s, want %s", got, IntegritySize)
	}
}

func TestVerify_DigestMismatch(t *testing.T) {
	a := writeArtifact(t, append(wavHeader, 1, 2, 3))
	err := Verify(a, a.Size, "deadbeef", "wav")
	if got := kindOf(t, err); got != IntegrityDigest {
		t.Errorf("kind = %s, want %s", got, IntegrityDigest)
	}
}

func TestVerify_DigestCaseInsensitive(t *testing.T) {
	a := writeArtifact(t, append(wavHeader, 1, 2, 3))
	upper := make([]byte, len(a.Digest))
	copy(upper, a.Digest)
	for i, c := range upper {
		if c >= 'a' && c <= 'f' {
			upper[i] = c - 'a' + 'A'
		}
	}
	if err := Verify(a, a.Size, string(upper), "wav"); err != nil {
		t.Fatalf("Verify with uppercase digest: %v", err)
	}
}

func TestVerify_HeaderSignatures(t *testing.T) {
	cases := []struct {
		name     string
		content  []byte
		fileType string
		wantOK   bool
	}{
		{"wav", wavHeader, "wav", true},
		{"wav with mime hint", wavHeader, "audio/wav", true},
		{"wav with dotted hint", wavHeader, ".WAV", true},
		{"mp3 id3", []byte("ID3\x04\x00\x00\x00\x00\x00\x00data"), "mp3", true},
		{"mp3 frame sync", []byte{0xFF, 0xFB, 0x90, 0x00, 1, 2, 3, 4, 5, 6, 7, 8}, "mp3", true},
		{"m4a ftyp", []byte("\x00\x00\x00\x20ftypM4A "), "m4a", true},
		{"ogg", []byte("OggS\x00\x02\x00\x00\x00\x00\x00\x00"), "ogg", true},
		{"flac", []byte("fLaC\x00\x00\x00\x22\x10\x00\x10\x00"), "flac", true},
		{"webm", []byte{0x1A, 0x45, 0xDF, 0xA3, 1, 2, 3, 4, 5, 6, 7, 8}, "webm", true},
		{"unknown hint accepts any known signature", wavHeader, "", true},
		{"text is not audio", []byte("hello world, not audio"), "wav", false},
		{"empty artifact", nil, "wav", false},
		{"wrong container for hint", []byte("OggS\x00\x02\x00\x00\x00\x00\x00\x00"), "wav", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := writeArtifact(t, tc.content)
			err := Verify(a, a.Size, "", tc.fileType)
			if tc.wantOK && err != nil {
				t.Errorf("Verify = %v, want nil", err)
			}
			if !tc.wantOK {
				if err == nil {
					t.Fatal("Verify = nil, want header error")
				}
				if got := kindOf(t, err); got != IntegrityHeader {
					t.Errorf("kind = %s, want %s", got, IntegrityHeader)
				}
			}
		})
	}
}
