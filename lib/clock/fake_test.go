// Copyright 2026 The wa-claude-bridge Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFuncFiresInDeadlineOrder(t *testing.T) {
	fake := Fake(time.Unix(0, 0))

	var order []string
	fake.AfterFunc(2*time.Second, func() { order = append(order, "second") })
	fake.AfterFunc(1*time.Second, func() { order = append(order, "first") })

	fake.Advance(3 * time.Second)

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("fire order = %v, want [first second]", order)
	}
}

func TestFakeAfterFuncStopPreventsFiring(t *testing.T) {
	fake := Fake(time.Unix(0, 0))

	fired := false
	timer := fake.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("Stop on a pending timer returned false")
	}
	if timer.Stop() {
		t.Fatal("second Stop returned true")
	}

	fake.Advance(2 * time.Second)
	if fired {
		t.Fatal("stopped timer fired")
	}
}

func TestFakeAdvancePartialWindow(t *testing.T) {
	fake := Fake(time.Unix(0, 0))

	fired := false
	fake.AfterFunc(5*time.Second, func() { fired = true })

	fake.Advance(4 * time.Second)
	if fired {
		t.Fatal("timer fired before its deadline")
	}

	fake.Advance(1 * time.Second)
	if !fired {
		t.Fatal("timer did not fire at its deadline")
	}
}

func TestFakeCallbackCanArmNewTimer(t *testing.T) {
	fake := Fake(time.Unix(0, 0))

	var fires int
	fake.AfterFunc(time.Second, func() {
		fires++
		fake.AfterFunc(time.Second, func() { fires++ })
	})

	fake.Advance(2 * time.Second)
	if fires != 2 {
		t.Fatalf("fires = %d, want 2 (rearmed timer fires within the same window)", fires)
	}
}

func TestFakeAfterDelivers(t *testing.T) {
	fake := Fake(time.Unix(100, 0))

	channel := fake.After(time.Minute)
	select {
	case <-channel:
		t.Fatal("After delivered before Advance")
	default:
	}

	fake.Advance(time.Minute)
	select {
	case at := <-channel:
		if !at.Equal(time.Unix(160, 0)) {
			t.Fatalf("fire time = %v, want %v", at, time.Unix(160, 0))
		}
	default:
		t.Fatal("After did not deliver after Advance")
	}
}
