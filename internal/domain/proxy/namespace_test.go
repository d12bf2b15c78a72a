package proxy

import "testing"

func TestNamespaceRegistryRegisterIsIdempotent(t *testing.T) {
	r := NewNamespaceRegistry()
	first := r.Register("files")
	second := r.Register("files")
	if first != second {
		t.Errorf("Register() not idempotent: %q vs %q", first, second)
	}
	if first != "files" {
		t.Errorf("Register() = %q, want %q", first, "files")
	}
}

func TestNamespacedAndSplitRoundTrip(t *testing.T) {
	r := NewNamespaceRegistry()
	r.Register("files")
	name := Namespaced("files", "read_file")
	if name != "files.read_file" {
		t.Fatalf("Namespaced() = %q", name)
	}
	server, original, ok := r.Split(name)
	if !ok || server != "files" || original != "read_file" {
		t.Errorf("Split(%q) = (%q, %q, %v), want (files, read_file, true)", name, server, original, ok)
	}
}

func TestSplitUnknownServerFails(t *testing.T) {
	r := NewNamespaceRegistry()
	r.Register("files")
	_, _, ok := r.Split("other.read_file")
	if ok {
		t.Error("Split() should fail for a server that was never registered")
	}
}

func TestSplitRejectsNameWithoutSeparatorMatch(t *testing.T) {
	r := NewNamespaceRegistry()
	r.Register("files")
	_, _, ok := r.Split("files")
	if ok {
		t.Error("Split() should fail when there's no separator-delimited suffix")
	}
}

func TestKnownServersInOrderReflectsRegistrationOrder(t *testing.T) {
	r := NewNamespaceRegistry()
	r.Register("git")
	r.Register("files")
	r.Register("search")
	r.Register("files") // re-registering must not move it

	got := r.KnownServersInOrder()
	want := []string{"git", "files", "search"}
	if len(got) != len(want) {
		t.Fatalf("KnownServersInOrder() = %v, want %v", got, want)
	}
	for i, server := range want {
		if got[i] != server {
			t.Errorf("KnownServersInOrder()[%d] = %q, want %q", i, got[i], server)
		}
	}
}
