package memory

import (
	"testing"

	"github.com/jiang10061/image-downloader/internal/harvest"
	"github.com/jiang10061/image-downloader/internal/storage/storetest"
)

func TestURLStoreContract(t *testing.T) {
	storetest.Run(t, func(*testing.T) harvest.Store { return NewURLStore() })
}

func TestURLStorePutSeedsRecord(t *testing.T) {
	t.Parallel()

	store := NewURLStore()
	store.Put(harvest.URLRecord{URL: "https://example.com/x.png", Status: harvest.StatusPending})

	ok, err := store.MarkDownloading(t.Context(), "https://example.com/x.png", "https://example.com/x.png", "run")
	if err != nil || !ok {
		t.Fatalf("expected pending record to be claimable, ok=%v err=%v", ok, err)
	}
}
