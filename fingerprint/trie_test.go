package fingerprint

import "testing"

func TestTrieLongestPrefixWins(t *testing.T) {
	tr := NewTrie()
	tr.Insert(Signature{Prefix: "SSH-", Service: "SSH", Confidence: 75})
	tr.Insert(Signature{Prefix: "SSH-2.0", Service: "SSH", Confidence: 90})

	sig, ok := tr.LongestPrefixMatch([]byte("SSH-2.0-OpenSSH_8.9"))
	if !ok {
		t.Fatal("expected a match")
	}
	if sig.Prefix != "SSH-2.0" {
		t.Fatalf("expected longest prefix SSH-2.0, got %q", sig.Prefix)
	}

	sig, ok = tr.LongestPrefixMatch([]byte("SSH-1.5-old"))
	if !ok || sig.Prefix != "SSH-" {
		t.Fatalf("expected fallback to SSH-, got %q ok=%v", sig.Prefix, ok)
	}
}

func TestTrieFirstInsertWinsOnDuplicate(t *testing.T) {
	tr := NewTrie()
	tr.Insert(Signature{Prefix: "220 ", Service: "FTP"})
	tr.Insert(Signature{Prefix: "220 ", Service: "SMTP"})

	sig, ok := tr.LongestPrefixMatch([]byte("220 host ready"))
	if !ok || sig.Service != "FTP" {
		t.Fatalf("expected first-loaded FTP signature, got %q ok=%v", sig.Service, ok)
	}
	if tr.Len() != 1 {
		t.Fatalf("duplicate prefix should not grow the trie, len=%d", tr.Len())
	}
}

func TestTrieDeterministic(t *testing.T) {
	banner := []byte("HTTP/1.1 200 OK\r\nServer: nginx\r\n")
	tr := DefaultTrie()
	first, ok := tr.LongestPrefixMatch(banner)
	if !ok {
		t.Fatal("expected a match for HTTP banner")
	}
	for i := 0; i < 100; i++ {
		got, ok := tr.LongestPrefixMatch(banner)
		if !ok || got != first {
			t.Fatalf("lookup %d diverged: %+v vs %+v", i, got, first)
		}
	}
}

func TestTrieNoMatch(t *testing.T) {
	tr := DefaultTrie()
	if _, ok := tr.LongestPrefixMatch([]byte("\x00\x01\x02garbage")); ok {
		t.Fatal("expected no match for binary garbage")
	}
	if _, ok := tr.LongestPrefixMatch(nil); ok {
		t.Fatal("expected no match for empty banner")
	}
}
