package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

func netDialUDP(addr string) (net.Conn, error) {
	return net.Dial("udp", addr)
}

func TestParseBeacon(t *testing.T) {
	tests := []struct {
		in      string
		want    Beat
		wantErr bool
	}{
		{in: "HEARTBEAT:host:12:NOMINAL_27KV", want: Beat{Role: "host", Seq: 12, State: "NOMINAL_27KV"}},
		{in: "HEARTBEAT:target:1:", want: Beat{Role: "target", Seq: 1}},
		{in: "HEARTBEAT:target:x:ok", wantErr: true},
		{in: "HEARTBEAT:target:1", wantErr: true},
		{in: "PING:target:1:ok", wantErr: true},
		{in: "HEARTBEAT::1:ok", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseBeacon(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrMalformedBeacon) {
				t.Errorf("ParseBeacon(%q) error = %v, want ErrMalformedBeacon", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseBeacon(%q) = %+v, %v; want %+v", tt.in, got, err, tt.want)
		}
	}

	if got := FormatBeacon(RoleHost, 3, "ALL_OFF"); got != "HEARTBEAT:host:3:ALL_OFF" {
		t.Errorf("FormatBeacon() = %q", got)
	}
}

func TestMonitor_LostAndRestoredOnce(t *testing.T) {
	var mu sync.Mutex
	var events []string
	m := NewMonitor(MonitorConfig{
		Interval:      100 * time.Millisecond,
		MissThreshold: 3,
		OnLost: func(time.Duration) {
			mu.Lock()
			events = append(events, "lost")
			mu.Unlock()
		},
		OnRestored: func() {
			mu.Lock()
			events = append(events, "restored")
			mu.Unlock()
		},
	})

	t0 := time.Now()
	m.Mark(t0)
	m.Check(t0.Add(200 * time.Millisecond))
	if !m.Connected() {
		t.Fatal("lost inside the window")
	}

	m.Check(t0.Add(301 * time.Millisecond))
	m.Check(t0.Add(900 * time.Millisecond))
	if m.Connected() {
		t.Fatal("still connected after silence")
	}

	m.Mark(t0.Add(time.Second))
	m.Mark(t0.Add(time.Second + 10*time.Millisecond))

	mu.Lock()
	defer mu.Unlock()
	want := []string{"lost", "restored"}
	if len(events) != len(want) || events[0] != want[0] || events[1] != want[1] {
		t.Errorf("events = %v, want %v", events, want)
	}
}

func TestBeaconToListener(t *testing.T) {
	restored := make(chan struct{}, 1)
	m := NewMonitor(MonitorConfig{Interval: 20 * time.Millisecond, MissThreshold: 2,
		OnRestored: func() { restored <- struct{}{} }})

	l, err := ListenHeartbeat("127.0.0.1:0", m, nil)
	if err != nil {
		t.Fatalf("ListenHeartbeat() error = %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	// Force the monitor into the lost state before the first beat.
	m.Check(time.Now().Add(time.Second))
	if m.Connected() {
		t.Fatal("expected lost")
	}

	b := NewBeacon(BeaconConfig{
		Address:  l.Addr().String(),
		Role:     RoleTarget,
		Interval: 10 * time.Millisecond,
		State:    func() string { return "ready" },
	})
	go b.Run(ctx)

	select {
	case <-restored:
	case <-time.After(2 * time.Second):
		t.Fatal("beacon never observed")
	}
	if beat := m.LastBeat(); beat.Role != RoleTarget || beat.State != "ready" || beat.Seq == 0 {
		t.Errorf("LastBeat() = %+v", beat)
	}
}
