// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

// UNICODE: Rune-aware truncation preserves multi-byte characters.
// Truncating by byte index would corrupt UTF-8 strings mid-character.

// TruncateRunes truncates a string to a maximum number of runes
// (characters). If the string is truncated, "..." is appended.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	if maxRunes <= 3 {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-3]) + "..."
}

// TruncateWidth truncates a string to a maximum display width, counting
// double-width characters (CJK) as 2 columns.
func TruncateWidth(s string, maxWidth int) string {
	if maxWidth <= 0 {
		return ""
	}
	runes := []rune(s)
	width := 0
	for i, r := range runes {
		charWidth := runeWidth(r)
		if width+charWidth > maxWidth {
			if maxWidth >= 3 && width >= 3 {
				return string(runes[:i]) + "..."
			}
			return string(runes[:i])
		}
		width += charWidth
	}
	return s
}

// runeWidth returns the display width of a rune. Returns 2 for common CJK
// ranges, 1 for everything else. Good enough for session titles; full
// coverage would need github.com/mattn/go-runewidth.
func runeWidth(r rune) int {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF: // CJK Unified Ideographs
		return 2
	case r >= 0x3400 && r <= 0x4DBF: // CJK Extension A
		return 2
	case r >= 0x3040 && r <= 0x309F: // Hiragana
		return 2
	case r >= 0x30A0 && r <= 0x30FF: // Katakana
		return 2
	case r >= 0xAC00 && r <= 0xD7AF: // Hangul Syllables
		return 2
	case r >= 0xFF00 && r <= 0xFFEF: // Fullwidth Forms
		return 2
	}
	return 1
}
