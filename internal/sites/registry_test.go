package sites

import (
	"reflect"
	"testing"
	"time"

	"shoutbot/internal/config"
	"shoutbot/internal/eventbus"
)

func TestFilterIDs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		selected []int
		known    []int
		want     []int
	}{
		{"keeps order", []int{3, 1, 2}, []int{1, 2, 3}, []int{3, 1, 2}},
		{"drops stale", []int{4, 1, 9}, []int{1, 2, 3}, []int{1}},
		{"drops duplicates", []int{2, 2, 1, 2}, []int{1, 2}, []int{2, 1}},
		{"empty registry", []int{1}, nil, []int{}},
		{"empty selection", nil, []int{1}, []int{}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := FilterIDs(tt.selected, tt.known)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("FilterIDs(%v, %v) = %v, want %v", tt.selected, tt.known, got, tt.want)
			}
			if again := FilterIDs(got, tt.known); !reflect.DeepEqual(again, got) {
				t.Fatalf("not idempotent: %v then %v", got, again)
			}
		})
	}
}

func TestRegistrySyncPublishesEvents(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	r := NewRegistry(bus)
	r.Sync([]config.SiteConfig{
		{ID: 1, Name: "alpha", URL: "https://alpha.example/index.php", Cookie: "c", UA: "ua", Priority: 2},
		{ID: 2, Name: "beta", URL: "https://beta.example", Priority: 1},
		{ID: 3, Name: "gamma", URL: "https://gamma.example", Public: true},
	})
	r.Sync([]config.SiteConfig{
		{ID: 1, Name: "alpha", URL: "https://alpha.example/index.php", Cookie: "c2", UA: "ua", Priority: 2},
		{ID: 2, Name: "beta", URL: "https://beta.example", Priority: 1},
	})

	var got []string
	timeout := time.After(time.Second)
	for len(got) < 5 {
		select {
		case ev := <-events:
			got = append(got, ev.Type)
		case <-timeout:
			t.Fatalf("events so far: %v", got)
		}
	}
	want := []string{
		eventbus.SiteAdded, eventbus.SiteAdded, eventbus.SiteAdded,
		eventbus.SiteDeleted, eventbus.SiteUpdated,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}

	if ids := r.IDs(); !reflect.DeepEqual(ids, []int{2, 1}) {
		t.Fatalf("IDs = %v, want priority order [2 1]", ids)
	}
	s, ok := r.ByName("alpha")
	if !ok || s.Cookie != "c2" || s.BaseURL() != "https://alpha.example" || !s.Usable() {
		t.Fatalf("alpha = %+v", s)
	}
	if beta, _ := r.Get(2); beta.Usable() {
		t.Fatal("beta has no cookie and must not be usable")
	}
}

func TestResolveSkipsDeleted(t *testing.T) {
	r := NewRegistry(nil)
	r.Upsert(Site{ID: 1, Name: "a"})
	r.Upsert(Site{ID: 2, Name: "b"})
	r.Delete(1)
	r.Delete(42)

	got := r.Resolve([]int{1, 2, 2})
	if len(got) != 1 || got[0].Name != "b" {
		t.Fatalf("Resolve = %+v", got)
	}
	if ids := RemoveID([]int{1, 2, 1}, 1); !reflect.DeepEqual(ids, []int{2}) {
		t.Fatalf("RemoveID = %v", ids)
	}
}
