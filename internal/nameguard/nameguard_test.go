package nameguard

import "testing"

func TestPathSegmentRejectsTraversal(t *testing.T) {
	t.Parallel()
	cases := []string{"../etc/passwd", "a/b", "a\x00b", ""}
	for _, c := range cases {
		c := c
		t.Run(c, func(t *testing.T) {
			t.Parallel()
			if err := PathSegment(c); err == nil {
				t.Fatalf("expected PathSegment(%q) to fail", c)
			}
		})
	}
}

func TestPathSegmentAcceptsCanonicalStem(t *testing.T) {
	t.Parallel()
	if err := PathSegment("api-2024-05-07_12-34-56.squashfs"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFlagIdentifierRejectsDot(t *testing.T) {
	t.Parallel()
	if err := FlagIdentifier("api.."); err == nil {
		t.Fatalf("expected FlagIdentifier to reject '.'")
	}
	if err := FlagIdentifier("api-gateway_1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestKeyRefAcceptsUserAtHost(t *testing.T) {
	t.Parallel()
	if err := KeyRef("alice@lap"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := KeyRef("alice/lap"); err == nil {
		t.Fatalf("expected KeyRef to reject '/'")
	}
}
