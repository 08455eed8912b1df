package device

import "testing"

func TestIndexTableLifecycle(t *testing.T) {
	var table IndexTable
	table.Init()

	peer := new(Peer)
	handshake := new(Handshake)

	index, err := table.NewIndexForHandshake(peer, handshake)
	if err != nil {
		t.Fatal(err)
	}

	entry := table.Lookup(index)
	if entry.peer != peer || entry.handshake != handshake {
		t.Fatal("lookup does not return the registered handshake")
	}
	if entry.keypair != nil {
		t.Fatal("fresh index already has a keypair")
	}

	keypair := &Keypair{localIndex: index}
	table.SwapIndexForKeypair(index, keypair)
	entry = table.Lookup(index)
	if entry.keypair != keypair {
		t.Fatal("swap did not attach the keypair")
	}
	if entry.handshake != nil {
		t.Fatal("swap left the handshake attached")
	}
	if entry.peer != peer {
		t.Fatal("swap lost the peer")
	}

	table.Delete(index)
	if table.Lookup(index).peer != nil {
		t.Fatal("deleted index still resolves")
	}
}

func TestIndexTableDistinctIndices(t *testing.T) {
	var table IndexTable
	table.Init()

	seen := make(map[uint32]bool)
	for i := 0; i < 1024; i++ {
		index, err := table.NewIndexForHandshake(new(Peer), new(Handshake))
		if err != nil {
			t.Fatal(err)
		}
		if seen[index] {
			t.Fatalf("index %#x allocated twice", index)
		}
		seen[index] = true
	}
}

func TestIndexTableSwapUnknownIndex(t *testing.T) {
	var table IndexTable
	table.Init()

	// Swapping an index that was already torn down must not create an
	// entry; a late keypair derivation cannot resurrect a dead session.
	table.SwapIndexForKeypair(42, new(Keypair))
	if table.Lookup(42).keypair != nil {
		t.Fatal("swap created an entry for an unknown index")
	}
}
