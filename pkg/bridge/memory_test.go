package bridge

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryPutThenTake(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()

	if err := s.Put("n1", "r1", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.Take("n1", "r1")
	if err != nil || !ok || string(got) != "hello" {
		t.Fatalf("take = %q %v %v", got, ok, err)
	}
	// consumed at most once
	if _, ok, _ := s.Take("n1", "r1"); ok {
		t.Fatal("record survived its Take")
	}
}

func TestMemoryTakeKeyedByBothIDs(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()

	_ = s.Put("n1", "r1", []byte("a"))
	if _, ok, _ := s.Take("n2", "r1"); ok {
		t.Fatal("record visible under wrong node")
	}
	if _, ok, _ := s.Take("n1", "r2"); ok {
		t.Fatal("record visible under wrong request")
	}
}

// A Put that lands while Await is blocked wakes it without polling delay.
func TestMemoryAwaitWake(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()

	done := make(chan error, 1)
	go func() {
		got, err := s.Await(context.Background(), "n1", "r1", time.Second)
		if err == nil && string(got) != "reply" {
			err = errors.New("wrong payload")
		}
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	if err := s.Put("n1", "r1", []byte("reply")); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("await never woke")
	}
	if el := time.Since(start); el > 200*time.Millisecond {
		t.Fatalf("wake took %v", el)
	}
}

func TestMemoryAwaitFindsExistingRecord(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()

	_ = s.Put("n1", "r1", []byte("early"))
	got, err := s.Await(context.Background(), "n1", "r1", 50*time.Millisecond)
	if err != nil || string(got) != "early" {
		t.Fatalf("await = %q %v", got, err)
	}
}

func TestMemoryAwaitTimeout(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()

	start := time.Now()
	_, err := s.Await(context.Background(), "n1", "r1", 60*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
	if el := time.Since(start); el < 60*time.Millisecond || el > time.Second {
		t.Fatalf("deadline honored poorly: %v", el)
	}
}

func TestMemoryAwaitContextCancel(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := s.Await(ctx, "n1", "r1", 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

// A reply landing after the waiter gave up stays takeable until the TTL.
func TestMemoryLateReplyRecovered(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()

	_, err := s.Await(context.Background(), "n1", "r1", 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("await: %v", err)
	}
	_ = s.Put("n1", "r1", []byte("late"))
	got, ok, _ := s.Take("n1", "r1")
	if !ok || string(got) != "late" {
		t.Fatalf("late reply lost: %q %v", got, ok)
	}
}
