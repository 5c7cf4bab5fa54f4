package redis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"KittyMarket-Chain/internal/chain"
)

type fakeHashClient struct {
	data    map[string]map[string]string
	expires map[string]time.Duration
	failGet bool
}

func newFakeHashClient() *fakeHashClient {
	return &fakeHashClient{data: map[string]map[string]string{}, expires: map[string]time.Duration{}}
}

func (f *fakeHashClient) HSet(_ context.Context, key string, values ...interface{}) *goredis.IntCmd {
	fields := f.data[key]
	if fields == nil {
		fields = map[string]string{}
		f.data[key] = fields
	}
	for i := 0; i+1 < len(values); i += 2 {
		var v string
		switch val := values[i+1].(type) {
		case []byte:
			v = string(val)
		default:
			v = fmt.Sprint(val)
		}
		fields[fmt.Sprint(values[i])] = v
	}
	return goredis.NewIntResult(int64(len(values)/2), nil)
}

func (f *fakeHashClient) HGetAll(_ context.Context, key string) *goredis.MapStringStringCmd {
	if f.failGet {
		return goredis.NewMapStringStringResult(nil, errors.New("connection reset"))
	}
	out := map[string]string{}
	for k, v := range f.data[key] {
		out[k] = v
	}
	return goredis.NewMapStringStringResult(out, nil)
}

func (f *fakeHashClient) Expire(_ context.Context, key string, ttl time.Duration) *goredis.BoolCmd {
	f.expires[key] = ttl
	return goredis.NewBoolResult(true, nil)
}

func (f *fakeHashClient) Close() error { return nil }

func TestSnapshotStoreRoundTrip(t *testing.T) {
	client := newFakeHashClient()
	store := newSnapshotStore(client, "", time.Hour)
	ctx := context.Background()

	if _, err := store.LoadSnapshot(ctx); !errors.Is(err, chain.ErrSnapshotNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := store.SaveSnapshot(ctx, 12, []byte(`{"head":{"number":12}}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	payload, err := store.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(payload) != `{"head":{"number":12}}` {
		t.Fatalf("unexpected payload: %s", payload)
	}
	head, err := store.Head(ctx)
	if err != nil || head != 12 {
		t.Fatalf("unexpected head %d: %v", head, err)
	}
	if client.expires["kittymarket:snapshot"] != time.Hour {
		t.Fatalf("ttl not applied: %+v", client.expires)
	}
}

func TestSnapshotStoreLoadError(t *testing.T) {
	client := newFakeHashClient()
	client.failGet = true
	store := newSnapshotStore(client, "custom", 0)
	if _, err := store.LoadSnapshot(context.Background()); err == nil || errors.Is(err, chain.ErrSnapshotNotFound) {
		t.Fatalf("expected storage failure, got %v", err)
	}
}
