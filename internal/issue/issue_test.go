// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"strings"
	"testing"
)

func TestId_Unique(t *testing.T) {
	ids := []Id{
		GuestUnreachableId,
		AuthenticationFailedId,
		ElevationFailedId,
		RebuildFailedId,
		InvalidInputId,
		ConfigLoadFailedId,
		MachineFactsInvalidId,
		HistoryUnavailableId,
	}

	seen := make(map[Id]bool)
	for _, id := range ids {
		if seen[id] {
			t.Errorf("duplicate ID: %d", id)
		}
		seen[id] = true
		if Get(id) == nil {
			t.Errorf("Get(%d) returned nil", id)
		}
	}

	if GuestUnreachableId != 1 {
		t.Errorf("GuestUnreachableId = %d, want 1", GuestUnreachableId)
	}
	if len(Values()) != len(ids) {
		t.Errorf("Values() has %d entries, want %d", len(Values()), len(ids))
	}
}

func TestAllIssuesHaveDocLinks(t *testing.T) {
	for _, is := range Values() {
		if len(is.DocLinks()) == 0 {
			t.Errorf("issue %d has no doc links", is.Id())
		}
		if strings.TrimSpace(string(is.MarkdownMsg())) == "" {
			t.Errorf("issue %d has no message", is.Id())
		}
	}
}

func TestIssue_DocLinksIsCopy(t *testing.T) {
	is := Get(RebuildFailedId)
	links := is.DocLinks()
	links[0] = "mutated"

	if is.DocLinks()[0] == "mutated" {
		t.Error("DocLinks() must return a copy")
	}
}

func TestIssue_Render(t *testing.T) {
	originalRender := render
	defer func() { render = originalRender }()

	var got string
	render = func(in string, stylePath string) (string, error) {
		got = in
		return in, nil
	}

	tests := []struct {
		name      string
		issue     *Issue
		wantLinks bool
	}{
		{
			name:      "catalog entry",
			issue:     Get(RebuildFailedId),
			wantLinks: true,
		},
		{
			name:  "no links",
			issue: &Issue{id: 99, mdMsg: "# Plain"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.issue.Render(""); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if has := strings.Contains(got, "See also"); has != tt.wantLinks {
				t.Errorf("See also section present = %v, want %v", has, tt.wantLinks)
			}
		})
	}
}

func TestRebuildFailedIssue_MentionsVerbose(t *testing.T) {
	msg := string(Get(RebuildFailedId).MarkdownMsg())
	if !strings.Contains(msg, "nixprov provision --verbose") {
		t.Errorf("rebuild issue should suggest verbose mode, got:\n%s", msg)
	}
}
