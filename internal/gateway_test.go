package gateway

import "testing"

func TestFingerprintNormalizesUnicodeForm(t *testing.T) {
	// "cafe" with a precomposed e-acute (U+00E9) vs. plain "e" followed by
	// a combining acute accent (U+0301) - canonically equal, byte-different.
	composed := "caf" + string(rune(0x00E9))
	decomposed := "cafe" + string(rune(0x0301))
	if composed == decomposed {
		t.Fatal("test setup: composed and decomposed forms should differ byte-for-byte")
	}

	got := Fingerprint("openai", "gpt-5", "", composed)
	want := Fingerprint("openai", "gpt-5", "", decomposed)
	if got != want {
		t.Errorf("Fingerprint(composed) = %s, Fingerprint(decomposed) = %s, want equal", got, want)
	}
}

func TestFingerprintIsCaseAndWhitespaceInsensitive(t *testing.T) {
	got := Fingerprint(" OpenAI ", " GPT-5 ", "", "  Hello  ")
	want := Fingerprint("openai", "gpt-5", "", "Hello")
	if got != want {
		t.Errorf("Fingerprint mismatch after case/whitespace normalization")
	}
}

func TestFingerprintDiffersOnPrompt(t *testing.T) {
	a := Fingerprint("openai", "gpt-5", "", "hello")
	b := Fingerprint("openai", "gpt-5", "", "goodbye")
	if a == b {
		t.Error("expected different fingerprints for different prompts")
	}
}
