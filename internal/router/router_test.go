package router

import (
	"net"
	"testing"
)

func addrs(ports ...int) []*net.TCPAddr {
	out := make([]*net.TCPAddr, len(ports))
	for i, p := range ports {
		out[i] = &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: p}
	}
	return out
}

func TestRoundRobinFairness(t *testing.T) {
	r, err := New(addrs(1, 2, 3))
	if err != nil {
		t.Fatal(err)
	}

	const k = 100
	counts := map[int]int{}
	var sequence []int
	for i := 0; i < 3*k; i++ {
		t := r.NextTarget()
		counts[t.Port]++
		sequence = append(sequence, t.Port)
	}

	for _, port := range []int{1, 2, 3} {
		if counts[port] != k {
			t.Errorf("port %d selected %d times, want %d", port, counts[port], k)
		}
	}
	for i, port := range sequence {
		want := []int{1, 2, 3}[i%3]
		if port != want {
			t.Fatalf("sequence[%d] = %d, want %d", i, port, want)
		}
	}
}

func TestNewRejectsEmptyTargets(t *testing.T) {
	if _, err := New(nil); err != ErrNoTargets {
		t.Fatalf("New(nil) err = %v, want ErrNoTargets", err)
	}
}
