package usecase

import (
	"context"
	"strconv"
	"testing"

	"FHCElite/internal/repository"
)

func TestKafkaSamplesHandlerStoresEvents(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemorySampleStore()
	h := NewKafkaSamplesHandler("fhc.samples", store, nil)
	if h.Topic() != "fhc.samples" {
		t.Fatalf("unexpected topic")
	}

	ms := at(9, 0, 0).UnixMilli()
	if err := h.Handle(ctx, []byte(`{"id":"2881","t":`+strconv.FormatInt(ms, 10)+`,"c":80.5,"v":10}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	batch := `[{"id":"2881","t":` + strconv.FormatInt(ms/1000+300, 10) + `,"c":81,"v":1},{"id":"2881","t":` + strconv.FormatInt(ms, 10) + `,"c":0,"v":1}]`
	if err := h.Handle(ctx, []byte(batch)); err != nil {
		t.Fatalf("handle batch: %v", err)
	}

	got, _ := store.RangeBetween(ctx, "2881", at(0, 0, 0), at(23, 0, 0))
	if len(got) != 2 || got[0].Price != 80.5 || got[1].Price != 81 {
		t.Fatalf("unexpected samples %+v", got)
	}
	if err := h.Handle(ctx, []byte(`not json`)); err == nil {
		t.Fatalf("expected decode error")
	}
}
