package checksum

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestSum_KnownValue(t *testing.T) {
	// adler32("hi") = (1+104+105) | ((1+104)+(1+104+105))<<16
	if got := Sum([]byte("hi")); got != "20644050" {
		t.Errorf("Sum(hi) = %s, want 20644050", got)
	}
	if got := Sum(nil); got != "1" {
		t.Errorf("Sum(nil) = %s, want 1", got)
	}
}

func TestSum_ChangesWithContent(t *testing.T) {
	a := Sum([]byte("this is a test sync file"))
	b := Sum([]byte("this is a test sync file!"))
	if a == b {
		t.Error("checksum should change when content changes")
	}
}

func TestProperty_ChecksumStability(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("identical content yields identical checksum", prop.ForAll(
		func(s string) bool {
			return Sum([]byte(s)) == Sum([]byte(s))
		},
		gen.AnyString(),
	))

	properties.Property("Reader agrees with Sum", prop.ForAll(
		func(s string) bool {
			got, err := Reader(bytes.NewReader([]byte(s)))
			return err == nil && got == Sum([]byte(s))
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
