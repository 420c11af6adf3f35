package hl7v2

import (
	"errors"
	"testing"
)

// =========== Delimiter Tests ===========

func TestParseDelimiters(t *testing.T) {
	d, err := ParseDelimiters("MSH|^~\\&|APP")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != DefaultDelimiters() {
		t.Errorf("expected default delimiters, got %+v", d)
	}
	if d.String() != "^~\\&" {
		t.Errorf("expected encoding characters '^~\\&', got %q", d.String())
	}
}

func TestParseDelimiters_Invalid(t *testing.T) {
	for _, text := range []string{
		"",
		"MS",
		"MSH|^~\\",
		"XYZ|^~\\&",
		"MSH|^~\\|",  // field separator repeated
		"MSH|^~\r&",  // control character
		"MSH|a~\\&",  // alphanumeric
	} {
		_, err := ParseDelimiters(text)
		if !errors.Is(err, ErrMalformedHeader) {
			t.Errorf("%q: expected ErrMalformedHeader, got %v", text, err)
		}
	}
}

// =========== Escape Tests ===========

func TestEscapeUnescape(t *testing.T) {
	d := DefaultDelimiters()

	tests := []struct {
		plain, encoded string
	}{
		{"plain text", "plain text"},
		{"a|b", "a\\F\\b"},
		{"a^b", "a\\S\\b"},
		{"a~b", "a\\R\\b"},
		{"a&b", "a\\T\\b"},
		{"a\\b", "a\\E\\b"},
		{"|^~\\&", "\\F\\\\S\\\\R\\\\E\\\\T\\"},
	}
	for _, tt := range tests {
		if got := d.EscapeText(tt.plain); got != tt.encoded {
			t.Errorf("Escape(%q): expected %q, got %q", tt.plain, tt.encoded, got)
		}
		if got := d.UnescapeText(tt.encoded); got != tt.plain {
			t.Errorf("Unescape(%q): expected %q, got %q", tt.encoded, tt.plain, got)
		}
	}
}

func TestEscape_CustomDelimiters(t *testing.T) {
	d := Delimiters{Field: '#', Component: '$', Repetition: '*', Escape: '!', Subcomponent: '@'}

	if got := d.EscapeText("a#b|c"); got != "a!F!b|c" {
		t.Errorf("expected 'a!F!b|c', got %q", got)
	}
	if got := d.UnescapeText("x!S!y!E!z\\F\\"); got != "x$y!z\\F\\" {
		t.Errorf("expected 'x$y!z\\F\\', got %q", got)
	}
}

func TestEscape_LineBreaks(t *testing.T) {
	d := DefaultDelimiters()
	if got := d.EscapeText("a\rb\nc"); got != "a\\X0D\\b\\X0A\\c" {
		t.Errorf("expected hex escapes for CR and LF, got %q", got)
	}

	custom := Delimiters{Field: '#', Component: '$', Repetition: '*', Escape: '!', Subcomponent: '@'}
	if got := custom.EscapeText("x\ny"); got != "x!X0A!y" {
		t.Errorf("expected 'x!X0A!y', got %q", got)
	}
}

func TestUnescape_PassThrough(t *testing.T) {
	d := DefaultDelimiters()
	for _, s := range []string{
		"\\.br\\",
		"\\X0D0A\\",
		"\\H\\highlight\\N\\",
		"trailing\\",
		"\\Z\\",
	} {
		if got := d.UnescapeText(s); got != s {
			t.Errorf("expected %q unchanged, got %q", s, got)
		}
	}
}

func TestComponents(t *testing.T) {
	d := DefaultDelimiters()
	if got := d.Components("207", "Application internal error", "HL70357"); got != "207^Application internal error^HL70357" {
		t.Errorf("unexpected components: %q", got)
	}
	if got := d.Components("a^b", "", ""); got != "a\\S\\b" {
		t.Errorf("expected trailing empties dropped and value escaped, got %q", got)
	}
}
