package chunk

import (
	"bytes"
	"crypto/rand"
	"errors"
	"math"
	mathrand "math/rand"
	"testing"
)

func TestCountRoundsUp(t *testing.T) {
	cases := []struct {
		length int64
		size   int
		want   int
	}{
		{0, 4, 1},
		{1, 4, 1},
		{4, 4, 1},
		{5, 4, 2},
		{11, 4, 3},
		{DefaultSize * 3, DefaultSize, 3},
		{DefaultSize*3 + 1, DefaultSize, 4},
	}
	for _, tc := range cases {
		if got := Count(tc.length, tc.size); got != tc.want {
			t.Fatalf("Count(%d, %d) = %d, want %d", tc.length, tc.size, got, tc.want)
		}
	}
}

func TestSplitHelloWorld(t *testing.T) {
	pieces, err := Split([]byte("hello world"), 4)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(pieces) != 3 {
		t.Fatalf("expected 3 pieces, got %d", len(pieces))
	}

	want := []string{"hell", "o wo", "rld"}
	for i, piece := range pieces {
		if piece.Index != i {
			t.Fatalf("piece %d has index %d", i, piece.Index)
		}
		if string(piece.Data) != want[i] {
			t.Fatalf("piece %d = %q, want %q", i, piece.Data, want[i])
		}
		if piece.IsLast != (i == 2) {
			t.Fatalf("piece %d IsLast = %v", i, piece.IsLast)
		}
	}
}

func TestSplitExactMultipleMarksFinalPieceLast(t *testing.T) {
	pieces, err := Split([]byte("abcdefgh"), 4)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(pieces) != 2 || !pieces[1].IsLast || pieces[0].IsLast {
		t.Fatalf("unexpected pieces: %+v", pieces)
	}
	if len(pieces[1].Data) != 4 {
		t.Fatalf("expected full final piece, got %d bytes", len(pieces[1].Data))
	}
}

func TestSplitEmptyBufferYieldsOneEmptyLastPiece(t *testing.T) {
	pieces, err := Split(nil, DefaultSize)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(pieces) != 1 {
		t.Fatalf("expected 1 piece, got %d", len(pieces))
	}
	if pieces[0].Index != 0 || !pieces[0].IsLast || len(pieces[0].Data) != 0 {
		t.Fatalf("unexpected piece: %+v", pieces[0])
	}
}

func TestSliceOutOfRange(t *testing.T) {
	buffer := []byte("hello world")
	if _, err := Slice(buffer, 3, 4); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if _, err := Slice(buffer, -1, 4); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange for negative index, got %v", err)
	}
	if _, err := Slice(buffer, 0, 0); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize, got %v", err)
	}
}

func TestSplitReassembleIdentityInAnyOrder(t *testing.T) {
	for _, size := range []int{1, 3, 4, 7, 64, DefaultSize} {
		for _, length := range []int{0, 1, 5, 63, 64, 65, 1000, DefaultSize + 17} {
			buffer := make([]byte, length)
			if _, err := rand.Read(buffer); err != nil {
				t.Fatalf("generate buffer: %v", err)
			}

			pieces, err := Split(buffer, size)
			if err != nil {
				t.Fatalf("Split failed: %v", err)
			}
			mathrand.Shuffle(len(pieces), func(i, j int) { pieces[i], pieces[j] = pieces[j], pieces[i] })

			var out []byte
			for _, piece := range pieces {
				out, err = Reassemble(out, piece.Index, piece.Data, size, int64(length))
				if err != nil {
					t.Fatalf("Reassemble failed: %v", err)
				}
			}
			if !bytes.Equal(out, buffer) && !(len(out) == 0 && len(buffer) == 0) {
				t.Fatalf("size %d length %d: reassembled buffer differs", size, length)
			}
		}
	}
}

func TestReassembleDuplicateOverwrites(t *testing.T) {
	out, err := Reassemble(nil, 1, []byte("o wo"), 4, 11)
	if err != nil {
		t.Fatalf("Reassemble failed: %v", err)
	}
	if !bytes.Equal(out, []byte{0, 0, 0, 0, 'o', ' ', 'w', 'o'}) {
		t.Fatalf("expected zero-extended buffer, got %q", out)
	}

	out, _ = Reassemble(out, 0, []byte("hell"), 4, 11)
	out, _ = Reassemble(out, 0, []byte("hell"), 4, 11)
	if string(out) != "hello wo" {
		t.Fatalf("unexpected buffer after duplicate: %q", out)
	}
}

func TestReassembleRejectsWritesPastLimit(t *testing.T) {
	cases := []struct {
		name  string
		index int
		data  []byte
		size  int
		limit int64
		want  error
	}{
		{"starts past limit", 3, []byte("x"), 4, 11, ErrOutOfRange},
		{"ends past limit", 2, []byte("rld!"), 4, 11, ErrOutOfRange},
		{"index overflows offset", math.MaxInt, []byte("x"), 4, 11, ErrOutOfRange},
		{"negative index", -1, []byte("x"), 4, 11, ErrOutOfRange},
		{"oversized chunk size", 2, []byte("x"), math.MaxInt / 2, 11, ErrInvalidSize},
		{"zero chunk size", 0, []byte("x"), 0, 11, ErrInvalidSize},
	}
	for _, tc := range cases {
		out, err := Reassemble([]byte("hello wo"), tc.index, tc.data, tc.size, tc.limit)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
		if out != nil {
			t.Fatalf("%s: expected no buffer, got %q", tc.name, out)
		}
	}

	out, err := Reassemble([]byte("hello wo"), 2, []byte("rld"), 4, 11)
	if err != nil || string(out) != "hello world" {
		t.Fatalf("expected write ending at the limit to succeed, got %q (%v)", out, err)
	}
}

func TestTruncateCutsAtLastChunkEnd(t *testing.T) {
	buffer := []byte("hello world!")
	if got := Truncate(buffer, 2, 3, 4); string(got) != "hello world" {
		t.Fatalf("unexpected truncate result: %q", got)
	}
	if got := Truncate(buffer, 5, 4, 4); len(got) != len(buffer) {
		t.Fatalf("expected untouched buffer, got %d bytes", len(got))
	}
}
