package numina

import (
	"strings"
	"testing"
)

func TestTaggedIDs(t *testing.T) {
	id := NewAgentID()
	if !strings.HasPrefix(string(id), "agent_") {
		t.Errorf("id = %s", id)
	}
	parsed, err := ParseAgentID(string(id))
	if err != nil || parsed != id {
		t.Errorf("ParseAgentID(%s) = %s, %v", id, parsed, err)
	}

	if _, err := ParseAgentID("user_" + strings.TrimPrefix(string(id), "agent_")); err == nil {
		t.Error("wrong prefix accepted")
	}
	if _, err := ParseAgentID("agent_not-a-uuid"); err == nil {
		t.Error("bad uuid accepted")
	}
}

func TestIDsSortByCreation(t *testing.T) {
	// UUIDv7 ids are time-ordered; a later id compares greater.
	a := NewMessageID()
	b := NewMessageID()
	if !(string(a) < string(b)) {
		t.Errorf("ids not time-sortable: %s then %s", a, b)
	}
}

func TestErrNotFoundHint(t *testing.T) {
	err := &ErrNotFound{Kind: "memory", ID: "persona", Available: []string{"human", "task"}}
	msg := err.Error()
	if !strings.Contains(msg, "persona") || !strings.Contains(msg, "human, task") {
		t.Errorf("message = %q", msg)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&ErrProvider{Transient: true}, true},
		{&ErrProvider{Transient: false}, false},
		{&ErrHTTP{Status: 429}, true},
		{&ErrHTTP{Status: 503}, true},
		{&ErrHTTP{Status: 400}, false},
		{&ErrPersistence{Op: "x", Transient: true}, true},
		{&ErrValidation{Reason: "x"}, false},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
