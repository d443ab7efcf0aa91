package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer annotate", role: RoleViewer, action: ActionAnnotate, allow: false},
		{name: "annotator annotate", role: RoleAnnotator, action: ActionAnnotate, allow: true},
		{name: "annotator merge", role: RoleAnnotator, action: ActionMerge, allow: false},
		{name: "annotator labels", role: RoleAnnotator, action: ActionManageLabels, allow: false},
		{name: "reviewer merge", role: RoleReviewer, action: ActionMerge, allow: true},
		{name: "reviewer labels", role: RoleReviewer, action: ActionManageLabels, allow: true},
		{name: "reviewer admin", role: RoleReviewer, action: ActionAdmin, allow: false},
		{name: "admin admin", role: RoleAdmin, action: ActionAdmin, allow: true},
		{name: "unknown read", role: Role("guest"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("reviewer") != RoleReviewer || Normalize("editor") != RoleViewer || Normalize("") != RoleViewer {
		t.Fatal("Normalize did not map roles")
	}
}
