package model

import (
	"testing"
	"time"
)

func TestBuilderExpiredUsesBuildTimeoutWhenIdle(t *testing.T) {
	now := time.Unix(1000, 0)
	b := &Builder{
		Status:       StatusReady,
		BuildTimeout: 10 * time.Second,
		BusyTimeout:  time.Hour,
		LastSeen:     now.Add(-11 * time.Second),
	}
	if !b.Expired(now) {
		t.Error("Expired: expected true once BuildTimeout has elapsed while READY")
	}
}

func TestBuilderExpiredUsesBusyTimeoutWhenBuilding(t *testing.T) {
	now := time.Unix(1000, 0)
	b := &Builder{
		Status:       StatusBuilding,
		BuildTimeout: time.Second,
		BusyTimeout:  time.Minute,
		LastSeen:     now.Add(-30 * time.Second),
	}
	if b.Expired(now) {
		t.Error("Expired: expected false: 30s elapsed is within the 1-minute BusyTimeout for BUILDING")
	}
}

func TestBuilderRecordRequestAndReply(t *testing.T) {
	b := &Builder{ID: 7}
	now := time.Unix(500, 0)
	ev := b.RecordRequest(now, "IDLE", "stat1")
	if ev.Direction != DirectionRX || ev.BuilderID != 7 || ev.Verb != "IDLE" {
		t.Errorf("RecordRequest event = %+v", ev)
	}
	if b.LastSeen != now {
		t.Error("RecordRequest must update LastSeen")
	}
	if len(b.LastRequest) != 2 || b.LastRequest[0] != "IDLE" {
		t.Errorf("LastRequest = %v", b.LastRequest)
	}

	ev2 := b.RecordReply(now, "SLEEP")
	if ev2.Direction != DirectionTX || ev2.Verb != "SLEEP" {
		t.Errorf("RecordReply event = %+v", ev2)
	}
	if len(b.LastReply) != 1 || b.LastReply[0] != "SLEEP" {
		t.Errorf("LastReply = %v", b.LastReply)
	}
}

func TestBuilderPushHeartbeatRingBuffer(t *testing.T) {
	b := &Builder{}
	for i := 0; i < heartbeatHistory+10; i++ {
		b.PushHeartbeat(HeartbeatSample{LoadAvg: float64(i)})
	}
	hs := b.Heartbeats()
	if len(hs) != heartbeatHistory {
		t.Fatalf("Heartbeats() len = %d, want %d", len(hs), heartbeatHistory)
	}
	if hs[0].LoadAvg != 10 {
		t.Errorf("oldest retained sample LoadAvg = %v, want 10 (the ring buffer should have dropped the first 10)", hs[0].LoadAvg)
	}
	if hs[len(hs)-1].LoadAvg != float64(heartbeatHistory+9) {
		t.Errorf("newest sample LoadAvg = %v, want %v", hs[len(hs)-1].LoadAvg, heartbeatHistory+9)
	}
}
