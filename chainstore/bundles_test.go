package chainstore

import "testing"

func TestBundlePrunedMarkerRoundTrip(t *testing.T) {
	cleanUp, store := createTestStore(t)
	defer cleanUp()

	for _, idx := range []uint32{0, 1, 5} {
		if pruned, err := store.IsBundlePruned(idx); err != nil {
			t.Fatalf("unable to check bundle %d: %v", idx, err)
		} else if pruned {
			t.Fatalf("bundle %d should not start pruned", idx)
		}
	}

	if err := store.SetBundlePruned(1); err != nil {
		t.Fatalf("unable to mark bundle pruned: %v", err)
	}
	if err := store.SetBundlePruned(5); err != nil {
		t.Fatalf("unable to mark bundle pruned: %v", err)
	}

	if pruned, err := store.IsBundlePruned(0); err != nil || pruned {
		t.Fatalf("bundle 0 should still be unpruned, got pruned=%v err=%v", pruned, err)
	}
	if pruned, err := store.IsBundlePruned(1); err != nil || !pruned {
		t.Fatalf("bundle 1 should be pruned, got pruned=%v err=%v", pruned, err)
	}

	count, err := store.PrunedBundleCount()
	if err != nil {
		t.Fatalf("unable to count pruned bundles: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 pruned bundles, got %d", count)
	}

	reopened := reopen(t, store.db)
	count, err = reopened.PrunedBundleCount()
	if err != nil {
		t.Fatalf("unable to count pruned bundles after reopen: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected pruned marker to survive reopen, got %d", count)
	}
}
