package threading

import (
	"strings"
	"testing"
)

func TestDepth(t *testing.T) {
	tests := []struct {
		name  string
		index string
		want  int
	}{
		{"empty", "", 1},
		{"malformed short", strings.Repeat("A", 10), 1},
		{"root", strings.Repeat("A", 44), 1},
		{"first reply", strings.Repeat("A", 54), 2},
		{"second reply", strings.Repeat("A", 64), 3},
		{"partial child block", strings.Repeat("A", 50), 1},
		{"one char over second", strings.Repeat("A", 65), 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Depth(tt.index); got != tt.want {
				t.Errorf("Depth(len=%d) = %d, want %d", len(tt.index), got, tt.want)
			}
		})
	}
}

func TestEncodeIndex(t *testing.T) {
	raw := make([]byte, 27) // root + one child
	enc := EncodeIndex(raw)
	if len(enc) != 54 {
		t.Fatalf("len = %d, want 54", len(enc))
	}
	if Depth(enc) != 2 {
		t.Errorf("Depth = %d, want 2", Depth(enc))
	}
	if EncodeIndex(nil) != "" {
		t.Error("nil index should encode to empty string")
	}
}

func TestSameBranch(t *testing.T) {
	root := strings.Repeat("AB", 22)
	child := root + "0102030405"

	tests := []struct {
		name      string
		candidate string
		index     string
		want      bool
	}{
		{"root is ancestor of child", root, child, true},
		{"case insensitive", strings.ToLower(root), child, true},
		{"child is not ancestor of root", child, root, false},
		{"different root", strings.Repeat("CD", 22), child, false},
		{"too short candidate", "AB", child, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SameBranch(tt.candidate, tt.index); got != tt.want {
				t.Errorf("SameBranch() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Quarterly report", "quarterly report"},
		{"RE: Quarterly report", "quarterly report"},
		{"Re: RE: fwd: Quarterly   report ", "quarterly report"},
		{"Re[2]: Quarterly report", "quarterly report"},
		{"AW: Angebot", "angebot"},
		{"SV: Möte", "möte"},
		{"回复：项目进度", "项目进度"},
		{"[EXTERNAL] RE: Quarterly report", "quarterly report"},
		{"RE: [EXTERNAL] Quarterly report", "quarterly report"},
		{"[EXTERNAL]", "[external]"},
		// Stacked tags all go; stripping only the first would not be idempotent.
		{"[A] [B] hello", "hello"},
		{"Meeting: agenda", "meeting: agenda"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := NormalizeSubject(tt.in)
			if got != tt.want {
				t.Errorf("NormalizeSubject(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if again := NormalizeSubject(got); again != got {
				t.Errorf("not idempotent: %q -> %q", got, again)
			}
		})
	}
}

func TestPrefixDetection(t *testing.T) {
	tests := []struct {
		subject     string
		wantReply   bool
		wantForward bool
	}{
		{"Re: hello", true, false},
		{"FW: hello", false, true},
		{"Fwd: hello", false, true},
		{"[EXT] RE: hello", true, false},
		{"WG: hello", false, true},
		{"hello", false, false},
		{"Regarding: hello", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			if got := HasReplyPrefix(tt.subject); got != tt.wantReply {
				t.Errorf("HasReplyPrefix = %v, want %v", got, tt.wantReply)
			}
			if got := HasForwardPrefix(tt.subject); got != tt.wantForward {
				t.Errorf("HasForwardPrefix = %v, want %v", got, tt.wantForward)
			}
		})
	}
}
