package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/giantswarm/oauth-server/storage"
	"github.com/giantswarm/oauth-server/storage/storagetest"
)

func TestStore_DelegatesToBackend(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Stores {
		m := New()
		return storagetest.Stores{Clients: m, Codes: m, Tokens: m}
	})
}

func TestStore_Overrides(t *testing.T) {
	ctx := context.Background()
	m := New()
	boom := errors.New("boom")
	m.GetClientFunc = func(context.Context, string) (*storage.Client, error) { return nil, boom }

	if err := m.SaveClient(ctx, &storage.Client{ClientID: "c1"}); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	if _, err := m.GetClient(ctx, "c1"); !errors.Is(err, boom) {
		t.Errorf("GetClient() error = %v, want %v", err, boom)
	}
	if _, err := m.Backend().GetClient(ctx, "c1"); err != nil {
		t.Errorf("backend GetClient() error = %v", err)
	}
	if got := m.CallCount("GetClient"); got != 1 {
		t.Errorf("CallCount(GetClient) = %d, want 1", got)
	}
}
