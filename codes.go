package main

import (
	"crypto/rand"
	"strings"
)

// Session codes are short enough to read out loud or type from a
// phone, so the alphabet drops characters that are easy to misread
// (0/O, 1/I/L). 32 characters divides 256 evenly, so reducing a
// random byte modulo the alphabet length stays uniform.
const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 6
)

// newSessionCode draws codeLength characters independently and
// uniformly from codeAlphabet. Uniqueness across live sessions is the
// registry's job, not the generator's.
func newSessionCode() string {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}

	out := make([]byte, codeLength)
	for i := range out {
		out[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}

	return string(out)
}

// normalizeCode canonicalizes a client-typed code for lookup. Codes
// are stored upper-case.
func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
