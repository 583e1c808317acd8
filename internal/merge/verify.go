package merge

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
)

// IntegrityErrorKind classifies a failed integrity check. All integrity
// failures are terminal for the session: a deterministic reconstruction bug
// cannot be fixed by retrying, the client must re-upload.
type IntegrityErrorKind string

const (
	// IntegritySize means the artifact's byte length does not equal the sum
	// of recorded chunk lengths — a silent truncation or duplication.
	IntegritySize IntegrityErrorKind = "size_mismatch"

	// IntegrityDigest means the client-supplied digest does not match the
	// artifact's computed digest.
	IntegrityDigest IntegrityErrorKind = "digest_mismatch"

	// IntegrityHeader means the artifact's leading bytes match no recognised
	// audio container signature for the declared file type.
	IntegrityHeader IntegrityErrorKind = "invalid_header"
)

// IntegrityError describes a failed check on a merged artifact.
type IntegrityError struct {
	Kind   IntegrityErrorKind
	Detail string
}

// Error implements the error interface.
func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity: %s: %s", e.Kind, e.Detail)
}

// containerSignature describes the magic bytes of one audio container.
type containerSignature struct {
	offset int
	magic  []byte
}

// signatures maps normalised file-type hints to their accepted leading-byte
// patterns. A type may have several (e.g., MP3 with or without an ID3 tag).
var signatures = map[string][]containerSignature{
	"wav": {
		{offset: 0, magic: []byte("RIFF")},
	},
	"mp3": {
		{offset: 0, magic: []byte("ID3")},
		{offset: 0, magic: []byte{0xFF, 0xFB}},
		{offset: 0, magic: []byte{0xFF, 0xF3}},
		{offset: 0, magic: []byte{0xFF, 0xF2}},
	},
	"m4a": {
		{offset: 4, magic: []byte("ftyp")},
	},
	"mp4": {
		{offset: 4, magic: []byte("ftyp")},
	},
	"ogg": {
		{offset: 0, magic: []byte("OggS")},
	},
	"flac": {
		{offset: 0, magic: []byte("fLaC")},
	},
	"webm": {
		{offset: 0, magic: []byte{0x1A, 0x45, 0xDF, 0xA3}},
	},
}

// headerProbeLen is how many leading bytes are read for signature matching.
// Large enough for the deepest signature offset (ftyp at 4) plus its magic.
const headerProbeLen = 12

// Verify runs all mandatory integrity checks on a merged artifact:
//
//  1. The artifact byte length equals expectedSize, the sum of recorded
//     chunk lengths (catches silent truncation).
//  2. If the client supplied expectedDigest (hex SHA-256), it must equal the
//     artifact's computed digest exactly.
//  3. The artifact's leading bytes must match a recognised container
//     signature for fileType (catches "successful" merges of non-audio or
//     zero-length content). An empty or unrecognised fileType accepts any
//     known audio signature.
//
// The first failing check is returned as an *[IntegrityError].
func Verify(a *Artifact, expectedSize int64, expectedDigest, fileType string) error {
	if a.Size != expectedSize {
		return &IntegrityError{
			Kind:   IntegritySize,
			Detail: fmt.Sprintf("artifact is %d bytes, chunk accounting says %d", a.Size, expectedSize),
		}
	}

	if expectedDigest != "" && !strings.EqualFold(expectedDigest, a.Digest) {
		return &IntegrityError{
			Kind:   IntegrityDigest,
			Detail: fmt.Sprintf("computed sha256 %s, client declared %s", a.Digest, expectedDigest),
		}
	}

	header, err := readHeader(a.Path)
	if err != nil {
		return &IntegrityError{
			Kind:   IntegrityHeader,
			Detail: fmt.Sprintf("read leading bytes: %v", err),
		}
	}
	if !matchesSignature(header, fileType) {
		return &IntegrityError{
			Kind:   IntegrityHeader,
			Detail: fmt.Sprintf("leading bytes %x match no %s container signature", header, hintOrAny(fileType)),
		}
	}
	return nil
}

// readHeader reads up to headerProbeLen leading bytes from the artifact.
func readHeader(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, headerProbeLen)
	n, err := io.ReadFull(f, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return buf[:n], nil
	}
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// matchesSignature reports whether header matches a signature for the given
// file-type hint, or any known signature when the hint is empty or unknown.
func matchesSignature(header []byte, fileType string) bool {
	hint := normaliseHint(fileType)
	if sigs, ok := signatures[hint]; ok {
		return matchesAny(header, sigs)
	}
	for _, sigs := range signatures {
		if matchesAny(header, sigs) {
			return true
		}
	}
	return false
}

func matchesAny(header []byte, sigs []containerSignature) bool {
	for _, sig := range sigs {
		end := sig.offset + len(sig.magic)
		if len(header) >= end && bytes.Equal(header[sig.offset:end], sig.magic) {
			return true
		}
	}
	return false
}

// normaliseHint lowercases the hint and strips a leading dot or a MIME
// prefix, so ".WAV", "audio/wav", and "wav" all resolve alike.
func normaliseHint(fileType string) string {
	hint := strings.ToLower(strings.TrimSpace(fileType))
	hint = strings.TrimPrefix(hint, "audio/")
	hint = strings.TrimPrefix(hint, "video/")
	hint = strings.TrimPrefix(hint, ".")
	switch hint {
	case "wave", "x-wav":
		return "wav"
	case "mpeg", "mpga":
		return "mp3"
	}
	return hint
}

func hintOrAny(fileType string) string {
	if h := normaliseHint(fileType); h != "" {
		if _, ok := signatures[h]; ok {
			return h
		}
	}
	return "known audio"
}
