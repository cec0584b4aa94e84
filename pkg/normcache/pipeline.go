// Package normcache implements the text canonicalization pipeline and the
// three-tier content-hash cache that backs it: an in-memory LFU hot tier,
// a memory-mapped sharded warm tier, and a zstd-compressed content-
// addressed cold tier, each falling through to the next on a miss and
// populating it back up on a hit.
package normcache

import (
	"bytes"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/zeebo/blake3"
)

// Policy selects how aggressively text is canonicalized before hashing.
type Policy int

const (
	Conservative Policy = iota
	Moderate
	Aggressive
)

// PolicyVersion identifies the canonicalization pipeline. Cache records it
// in its in-memory entry metadata on write-through; the tier bytes carry no
// version, and Cache.Get does not compare versions, so an entry written
// under an earlier pipeline is still returned as a hit.
const PolicyVersion = 1

// ContentHash is a BLAKE3-256 digest of canonicalized text.
type ContentHash [32]byte

// Result is the output of running Normalize.
type Result struct {
	NormalizedText string
	OriginalText   string
	ContentHash    ContentHash
	ContentType    string
	FromCache      bool
}

// ContentType classifies probed input for normalization routing.
type ContentType string

const (
	ContentPlain ContentType = "plain"
	ContentCode  ContentType = "code"
	ContentJSON  ContentType = "json"
)

// probeContentType applies a cheap heuristic: JSON if the trimmed text
// starts with '{' or '[', code if it looks bracket- or
// semicolon-heavy, plain otherwise.
func probeContentType(s string) ContentType {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return ContentJSON
	}
	braces := strings.Count(s, "{") + strings.Count(s, "}")
	semis := strings.Count(s, ";")
	if braces+semis > len(s)/40 {
		return ContentCode
	}
	return ContentPlain
}

// Normalize runs the canonicalization pipeline without touching any cache
// tier: NFKC, BOM strip, CRLF folding, then policy-gated case/whitespace/
// HTML handling for plaintext. Code and JSON content is left intact except
// for whitespace collapse outside strings at Aggressive.
func Normalize(text string, policy Policy) Result {
	ct := probeContentType(text)

	out := stripBOM(text)
	out = foldCRLF(out)
	out = norm.NFKC.String(out)

	switch ct {
	case ContentPlain:
		if policy >= Aggressive {
			out = strings.ToLower(out)
			out = stripHTML(out)
		}
		if policy >= Moderate {
			out = collapseWhitespace(out)
		}
	case ContentCode, ContentJSON:
		if policy >= Aggressive {
			out = collapseWhitespaceOutsideStrings(out)
		}
	}

	return Result{
		NormalizedText: out,
		OriginalText:   text,
		ContentHash:    hashContent(out),
		ContentType:    string(ct),
	}
}

func hashContent(s string) ContentHash {
	return blake3.Sum256([]byte(s))
}

func stripBOM(s string) string {
	return strings.TrimPrefix(s, "﻿")
}

func foldCRLF(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

func collapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteRune(' ')
			}
			lastSpace = true
			continue
		}
		lastSpace = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// collapseWhitespaceOutsideStrings collapses runs of whitespace that are
// not inside a double-quoted string literal, a coarse approximation
// sufficient for code/JSON bodies.
func collapseWhitespaceOutsideStrings(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	lastSpace := false
	for _, r := range s {
		if inString {
			b.WriteRune(r)
			if escaped {
				escaped = false
			} else if r == '\\' {
				escaped = true
			} else if r == '"' {
				inString = false
			}
			continue
		}
		if r == '"' {
			inString = true
			lastSpace = false
			b.WriteRune(r)
			continue
		}
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteRune(' ')
			}
			lastSpace = true
			continue
		}
		lastSpace = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

func stripHTML(s string) string {
	var b bytes.Buffer
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}
