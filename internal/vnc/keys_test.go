package vnc

import (
	"reflect"
	"testing"
)

func TestResolveKeys_NamedAndLiteralTokens(t *testing.T) {
	got := ResolveKeys("Control-Alt-Delete")
	want := []uint32{keysyms["Control"], keysyms["Alt"], keysyms["Delete"]}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestResolveKeys_SingleCharacterToken(t *testing.T) {
	got := ResolveKeys("a")
	if len(got) != 1 || got[0] != uint32('a') {
		t.Fatalf("expected single rune keysym for 'a', got %v", got)
	}
}

func TestResolveKeys_LiteralDashPassesThrough(t *testing.T) {
	got := ResolveKeys("a--b")
	want := []uint32{uint32('a'), uint32('-'), uint32('b')}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestResolveKeys_UnknownMultiCharTokenDropped(t *testing.T) {
	got := ResolveKeys("xyzzy-a")
	want := []uint32{uint32('a')}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected unknown token dropped, got %v", got)
	}
}

func TestTypeStringKeys_MapsEachRune(t *testing.T) {
	got := TypeStringKeys("hi")
	want := []uint32{uint32('h'), uint32('i')}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
