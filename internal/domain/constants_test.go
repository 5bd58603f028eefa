// SPDX-License-Identifier: Apache-2.0

package domain

import "testing"

func TestRunStatusConstants(t *testing.T) {
	if RunPending != "PENDING" {
		t.Fatalf("unexpected RunPending value: %s", RunPending)
	}
	if RunRunning != "RUNNING" {
		t.Fatalf("unexpected RunRunning value: %s", RunRunning)
	}
	if RunWaiting != "WAITING_APPROVAL" {
		t.Fatalf("unexpected RunWaiting value: %s", RunWaiting)
	}
	if RunSuccess != "SUCCEEDED" {
		t.Fatalf("unexpected RunSuccess value: %s", RunSuccess)
	}
	if RunFailed != "FAILED" {
		t.Fatalf("unexpected RunFailed value: %s", RunFailed)
	}
	if RunCanceled != "CANCELED" {
		t.Fatalf("unexpected RunCanceled value: %s", RunCanceled)
	}
}

func TestLifecycleTypeConstants(t *testing.T) {
	cases := []struct {
		got  LifecycleType
		want string
	}{
		{got: LifecycleSpawn, want: "spawn"},
		{got: LifecycleStart, want: "start"},
		{got: LifecycleEnd, want: "end"},
		{got: LifecycleError, want: "error"},
		{got: LifecycleCleanup, want: "cleanup"},
	}

	for _, tc := range cases {
		if string(tc.got) != tc.want {
			t.Fatalf("unexpected lifecycle type value: %s", tc.got)
		}
		if !tc.got.Valid() {
			t.Fatalf("expected %s to be valid", tc.got)
		}
	}

	if LifecycleType("restart").Valid() {
		t.Fatal("expected unknown lifecycle type to be invalid")
	}
}

func TestRunStatusTerminal(t *testing.T) {
	for _, s := range []RunStatus{RunSuccess, RunFailed, RunCanceled} {
		if !s.Terminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	for _, s := range []RunStatus{RunPending, RunRunning, RunWaiting} {
		if s.Terminal() {
			t.Fatalf("expected %s to be non-terminal", s)
		}
	}
}
