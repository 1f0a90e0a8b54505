package corpus

import "testing"

func TestPreprocess_PlainTextPassesThroughUnchanged(t *testing.T) {
	raw := "Elizabeth Bennet is the protagonist of Pride and Prejudice."
	got := preprocess("doc1.txt", []byte(raw))
	if got != raw {
		t.Fatalf("expected plain text to pass through unchanged, got %q", got)
	}
}

func TestPreprocess_HTMLIsReducedToMarkdown(t *testing.T) {
	raw := `<html><head><title>Darcy</title></head><body>
<article><h1>Mr. Darcy</h1><p>Mr. Darcy is a wealthy gentleman in the same novel, with a great many words padded here so readability considers this the main article content instead of boilerplate navigation text that would otherwise be stripped away by the extractor.</p></article>
</body></html>`
	got := preprocess("page.html", []byte(raw))
	if got == raw {
		t.Fatalf("expected HTML source to be transformed, got identical output")
	}
	if containsTag(got, "<p>") || containsTag(got, "<html>") {
		t.Fatalf("expected markup stripped from output, got %q", got)
	}
}

func TestExtOf(t *testing.T) {
	cases := map[string]string{
		"a/b/c.HTML": ".html",
		"doc.txt":    ".txt",
		"noext":      "",
	}
	for in, want := range cases {
		if got := extOf(in); got != want {
			t.Fatalf("extOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func containsTag(s, tag string) bool {
	for i := 0; i+len(tag) <= len(s); i++ {
		if s[i:i+len(tag)] == tag {
			return true
		}
	}
	return false
}
