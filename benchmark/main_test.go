package main

import (
	"testing"
	"time"
)

func TestRunLoad(t *testing.T) {
	res, err := runLoad(loadConfig{
		addr:     "127.0.0.1:0",
		cores:    2,
		slices:   2,
		clients:  4,
		keys:     50,
		duration: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("runLoad failed: %v", err)
	}
	if res.ops == 0 {
		t.Fatal("no operations completed")
	}
	if res.errors != 0 {
		t.Fatalf("unexpected errors: %d", res.errors)
	}
}
