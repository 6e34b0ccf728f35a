package launchdarkly

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
)

func TestFlags(t *testing.T) {
	var gotAuth, gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{"key": "checkout-v2", "name": "New checkout", "kind": "boolean", "temporary": true},
				{"key": "dark-mode", "name": "Dark mode", "kind": "boolean", "archived": true},
			},
		})
	}))
	t.Cleanup(srv.Close)

	client := New(srv.URL, "api-token-123", "acme-web")
	flags, err := client.Flags(context.Background())
	if err != nil {
		t.Fatalf("Flags: %v", err)
	}

	// LaunchDarkly wants the raw token, no Bearer prefix
	if gotAuth != "api-token-123" {
		t.Errorf("Authorization = %q, want the raw token", gotAuth)
	}
	if gotPath != "/flags/acme-web" {
		t.Errorf("path = %q, want /flags/acme-web", gotPath)
	}

	if len(flags) != 2 {
		t.Fatalf("len(flags) = %d, want 2", len(flags))
	}
	if flags[0].Key != "checkout-v2" || !flags[0].Temporary {
		t.Errorf("flags[0] = %+v", flags[0])
	}
	if !flags[1].Archived {
		t.Errorf("flags[1] = %+v, want archived", flags[1])
	}
}

func TestFlags_ErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"invalid access token"}`, http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	client := New(srv.URL, "bad-token", "acme-web")
	_, err := client.Flags(context.Background())
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "invalid access token") {
		t.Errorf("error %q should carry status and body excerpt", err)
	}
}

func TestCompareFlags(t *testing.T) {
	flags := []Flag{
		{Key: "live-flag"},
		{Key: "stale-flag"},
	}
	codeKeys := []string{"live-flag", "orphan-flag"}

	cmp := CompareFlags(flags, codeKeys)

	if !reflect.DeepEqual(cmp.Both, []string{"live-flag"}) {
		t.Errorf("Both = %v, want [live-flag]", cmp.Both)
	}
	if !reflect.DeepEqual(cmp.ProviderOnly, []string{"stale-flag"}) {
		t.Errorf("ProviderOnly = %v, want [stale-flag]", cmp.ProviderOnly)
	}
	if !reflect.DeepEqual(cmp.CodeOnly, []string{"orphan-flag"}) {
		t.Errorf("CodeOnly = %v, want [orphan-flag]", cmp.CodeOnly)
	}
}

func TestCompareFlags_EmptySidesStayEmptyLists(t *testing.T) {
	cmp := CompareFlags(nil, nil)
	if cmp.ProviderOnly == nil || cmp.CodeOnly == nil || cmp.Both == nil {
		t.Error("partitions should be empty slices, not nil, for JSON rendering")
	}
	if len(cmp.ProviderOnly)+len(cmp.CodeOnly)+len(cmp.Both) != 0 {
		t.Errorf("comparison of nothing = %+v", cmp)
	}
}

func TestCompareWithReferences(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{{"key": "a"}, {"key": "b"}},
		})
	}))
	t.Cleanup(srv.Close)

	client := New(srv.URL, "token", "proj")
	cmp, err := client.CompareWithReferences(context.Background(), []string{"b", "c"})
	if err != nil {
		t.Fatalf("CompareWithReferences: %v", err)
	}
	if !reflect.DeepEqual(cmp.ProviderOnly, []string{"a"}) ||
		!reflect.DeepEqual(cmp.Both, []string{"b"}) ||
		!reflect.DeepEqual(cmp.CodeOnly, []string{"c"}) {
		t.Errorf("comparison = %+v", cmp)
	}
}
