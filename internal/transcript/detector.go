// Package transcript inspects speech-to-text output for signatures of known
// service failure modes.
//
// The external transcription service can return syntactically valid text that
// is semantically garbage: boilerplate from the wrong audio track, a filler
// phrase looped hundreds of times, or a single token dominating the output.
// The [Detector] runs independent checks over the text; any one triggering is
// enough to flag the result, and all triggered flags are reported so the user
// sees exactly why the transcript was rejected.
package transcript

import (
	"fmt"
	"regexp"
	"strings"
)

// FlagKind identifies which detector check fired.
type FlagKind string

const (
	// FlagBoilerplate means a known never-legitimate phrase was found,
	// which usually indicates the wrong audio was transcribed.
	FlagBoilerplate FlagKind = "boilerplate"

	// FlagRepetition means a short phrase repeated consecutively past its
	// threshold, indicating the engine looped on a garbled segment.
	FlagRepetition FlagKind = "repetition"

	// FlagDominance means a single token makes up more than the configured
	// share of the whole transcript.
	FlagDominance FlagKind = "dominance"
)

// Flag is one triggered corruption signature with enough detail to build an
// actionable user-facing message. Flags travel to clients as JSON inside
// rejection payloads.
type Flag struct {
	// Kind identifies the check that fired.
	Kind FlagKind `json:"kind"`

	// Phrase is the matched phrase, set for boilerplate and repetition flags.
	Phrase string `json:"phrase,omitempty"`

	// Word is the offending token, set for dominance flags.
	Word string `json:"word,omitempty"`

	// Percent is the token's share of the transcript, set for dominance flags.
	Percent float64 `json:"percent,omitempty"`

	// Detail is a human-readable description of the match.
	Detail string `json:"detail"`
}

// defaultBoilerplate lists phrases that are never legitimate dictation
// content. Their presence means the service transcribed something else
// entirely, typically a video soundtrack.
var defaultBoilerplate = []string{
	"thanks for watching",
	"thank you for watching",
	"like and subscribe",
	"don't forget to subscribe",
	"see you in the next video",
	"subtitles by",
	"transcribed by",
}

const (
	// defaultRepeatThreshold flags any short phrase repeated this many times
	// in a row.
	defaultRepeatThreshold = 3

	// defaultFillerPhrase is a known filler the engine emits on silence. It
	// appears legitimately in real dictation, so it gets its own higher
	// threshold instead of the generic one.
	defaultFillerPhrase = "thank you"

	defaultFillerThreshold = 5

	// defaultDominanceRatio is the share of total tokens above which a
	// single token flags the transcript.
	defaultDominanceRatio = 0.5

	// defaultDominanceMinTokens is the floor below which the dominance
	// check is skipped, so short transcripts where one term legitimately
	// repeats are not rejected.
	defaultDominanceMinTokens = 20

	// dominanceMinWordLen excludes short function words ("the", "and")
	// from the dominance check.
	dominanceMinWordLen = 4

	// maxRepeatPhraseLen is the longest phrase, in words, the repetition
	// scan considers.
	maxRepeatPhraseLen = 3
)

// Config holds tuning knobs for [NewDetector]. Zero values select the
// package defaults.
type Config struct {
	// BoilerplatePhrases overrides the built-in banned phrase list.
	BoilerplatePhrases []string

	// RepeatThreshold is the consecutive-repeat count that flags a phrase.
	RepeatThreshold int

	// FillerPhrase is a phrase that may appear legitimately and therefore
	// uses FillerThreshold instead of RepeatThreshold.
	FillerPhrase string

	// FillerThreshold is the consecutive-repeat count for FillerPhrase.
	FillerThreshold int

	// DominanceRatio is the single-token share that flags the transcript.
	DominanceRatio float64

	// DominanceMinTokens is the minimum transcript length, in tokens,
	// before the dominance check applies.
	DominanceMinTokens int
}

// Detector runs the corruption checks. Safe for concurrent use after
// construction.
type Detector struct {
	boilerplate        []string
	repeatThreshold    int
	fillerPhrase       string
	fillerThreshold    int
	fillerPattern      *regexp.Regexp
	dominanceRatio     float64
	dominanceMinTokens int
}

// NewDetector constructs a Detector from cfg, filling in defaults for zero
// values.
func NewDetector(cfg Config) *Detector {
	d := &Detector{
		boilerplate:        cfg.BoilerplatePhrases,
		repeatThreshold:    cfg.RepeatThreshold,
		fillerPhrase:       cfg.FillerPhrase,
		fillerThreshold:    cfg.FillerThreshold,
		dominanceRatio:     cfg.DominanceRatio,
		dominanceMinTokens: cfg.DominanceMinTokens,
	}
	if len(d.boilerplate) == 0 {
		d.boilerplate = defaultBoilerplate
	}
	if d.repeatThreshold <= 0 {
		d.repeatThreshold = defaultRepeatThreshold
	}
	if d.fillerPhrase == "" {
		d.fillerPhrase = defaultFillerPhrase
	}
	if d.fillerThreshold <= 0 {
		d.fillerThreshold = defaultFillerThreshold
	}
	if d.dominanceRatio <= 0 || d.dominanceRatio >= 1 {
		d.dominanceRatio = defaultDominanceRatio
	}
	if d.dominanceMinTokens <= 0 {
		d.dominanceMinTokens = defaultDominanceMinTokens
	}

	// The filler phrase is matched as N or more consecutive occurrences,
	// separated by whitespace or punctuation. Built once here since the
	// phrase is fixed per detector.
	lit := regexp.QuoteMeta(strings.ToLower(d.fillerPhrase))
	d.fillerPattern = regexp.MustCompile(fmt.Sprintf(`(?:%s[\s.,!?]*){%d,}`, lit, d.fillerThreshold))

	return d
}

// Inspect runs every check over text and returns all triggered flags. An
// empty slice means the transcript looks clean. The checks are independent;
// a transcript can trigger several at once.
func (d *Detector) Inspect(text string) []Flag {
	var flags []Flag

	lower := strings.ToLower(text)

	flags = append(flags, d.checkBoilerplate(lower)...)
	flags = append(flags, d.checkRepetition(lower)...)
	flags = append(flags, d.checkDominance(lower)...)

	return flags
}

// checkBoilerplate matches the banned phrase list as case-insensitive
// substrings.
func (d *Detector) checkBoilerplate(lower string) []Flag {
	var flags []Flag
	for _, phrase := range d.boilerplate {
		if strings.Contains(lower, strings.ToLower(phrase)) {
			flags = append(flags, Flag{
				Kind:   FlagBoilerplate,
				Phrase: phrase,
				Detail: fmt.Sprintf("transcript contains boilerplate phrase %q", phrase),
			})
		}
	}
	return flags
}

// checkRepetition scans for any phrase of up to maxRepeatPhraseLen words
// repeated consecutively at least repeatThreshold times, plus the known
// filler phrase at its own higher threshold.
func (d *Detector) checkRepetition(lower string) []Flag {
	var flags []Flag

	// The filler phrase is excluded from the generic scan: it appears in
	// real dictation and is only suspect at its own higher threshold.
	if phrase, count := longestConsecutiveRun(strings.Fields(lower), maxRepeatPhraseLen, d.repeatThreshold, strings.ToLower(d.fillerPhrase)); count >= d.repeatThreshold {
		flags = append(flags, Flag{
			Kind:   FlagRepetition,
			Phrase: phrase,
			Detail: fmt.Sprintf("phrase %q repeated %d times consecutively", phrase, count),
		})
	}

	if loc := d.fillerPattern.FindString(lower); loc != "" {
		flags = append(flags, Flag{
			Kind:   FlagRepetition,
			Phrase: d.fillerPhrase,
			Detail: fmt.Sprintf("filler phrase %q repeated %d or more times", d.fillerPhrase, d.fillerThreshold),
		})
	}

	return flags
}

// longestConsecutiveRun finds the first phrase of length 1..maxLen words
// whose consecutive repeat count reaches threshold, returning the phrase and
// its full run length. Shorter phrases are preferred: "word word word" is a
// 1-word run of 3, not a 3-word run of 1. A phrase equal to skip is never
// reported.
func longestConsecutiveRun(words []string, maxLen, threshold int, skip string) (string, int) {
	for plen := 1; plen <= maxLen; plen++ {
		for start := 0; start+plen*threshold <= len(words); start++ {
			count := 1
			for next := start + plen; next+plen <= len(words) && equalRange(words, start, next, plen); next += plen {
				count++
			}
			if count >= threshold {
				phrase := strings.Join(words[start:start+plen], " ")
				if phrase == skip {
					// Jump past this run and keep scanning.
					start += plen*count - 1
					continue
				}
				return phrase, count
			}
		}
	}
	return "", 0
}

// equalRange reports whether words[a:a+n] equals words[b:b+n].
func equalRange(words []string, a, b, n int) bool {
	for i := 0; i < n; i++ {
		if words[a+i] != words[b+i] {
			return false
		}
	}
	return true
}

// checkDominance tokenizes on whitespace and flags any token longer than
// three characters whose share of the total token count exceeds the ratio.
// Transcripts shorter than the minimum token floor are skipped to avoid
// false positives on legitimately repetitive short dictation.
func (d *Detector) checkDominance(lower string) []Flag {
	tokens := strings.Fields(lower)
	if len(tokens) < d.dominanceMinTokens {
		return nil
	}

	counts := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		tok = strings.Trim(tok, ".,!?;:\"'()")
		if len(tok) >= dominanceMinWordLen {
			counts[tok]++
		}
	}

	var flags []Flag
	total := len(tokens)
	for word, n := range counts {
		ratio := float64(n) / float64(total)
		if ratio > d.dominanceRatio {
			pct := ratio * 100
			flags = append(flags, Flag{
				Kind:    FlagDominance,
				Word:    word,
				Percent: pct,
				Detail:  fmt.Sprintf("word %q makes up %.1f%% of the transcript", word, pct),
			})
		}
	}
	return flags
}
