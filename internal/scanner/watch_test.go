package scanner

import "testing"

func TestSettleDeleteAlwaysWins(t *testing.T) {
	if settle(EventCreated, EventDeleted) != EventDeleted {
		t.Fatal("a later delete must win over an earlier create")
	}
	if settle(EventDeleted, EventCreated) != EventDeleted {
		t.Fatal("a prior delete must not be overwritten by a later create within the same window")
	}
}

func TestSettleKeepsMostRecentNonDeleteKind(t *testing.T) {
	if settle(EventCreated, EventModified) != EventModified {
		t.Fatal("a write after a create should settle to modified")
	}
}
