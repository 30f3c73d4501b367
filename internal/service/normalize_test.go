package service

import (
	"strings"
	"testing"
)

func TestNormalizeImageRef(t *testing.T) {
	cases := []struct {
		name         string
		inName       string
		inTag        string
		inRegistry   string
		wantName     string
		wantTag      string
		wantRegistry string
	}{
		{"bare name", "nginx", "", "", "nginx", "latest", "docker.io"},
		{"embedded tag", "nginx:1.24", "", "", "nginx", "1.24", "docker.io"},
		{"explicit tag wins", "nginx", "1.25", "", "nginx", "1.25", "docker.io"},
		{"embedded registry", "gcr.io/project/image:v1", "", "", "project/image", "v1", "gcr.io"},
		{"localhost registry", "localhost/app", "v2", "", "app", "v2", "localhost"},
		{"explicit registry wins", "team/app", "", "quay.io", "team/app", "latest", "quay.io"},
		{"uppercase folded", "NGINX", "", "", "nginx", "latest", "docker.io"},
		{"slashes trimmed", "/library/nginx/", "", "", "library/nginx", "latest", "docker.io"},
		{"plain path segment stays in name", "library/nginx", "", "", "library/nginx", "latest", "docker.io"},
		{"single char name", "a", "", "", "a", "latest", "docker.io"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ref, err := NormalizeImageRef(tc.inName, tc.inTag, tc.inRegistry)
			if err != nil {
				t.Fatalf("NormalizeImageRef: %v", err)
			}
			if ref.Name != tc.wantName || ref.Tag != tc.wantTag || ref.Registry != tc.wantRegistry {
				t.Errorf("got (%s, %s, %s), want (%s, %s, %s)",
					ref.Name, ref.Tag, ref.Registry, tc.wantName, tc.wantTag, tc.wantRegistry)
			}
		})
	}
}

func TestNormalizeImageRef_Invalid(t *testing.T) {
	cases := []struct {
		name       string
		inName     string
		inTag      string
		inRegistry string
	}{
		{"empty name", "", "", ""},
		{"whitespace name", "   ", "", ""},
		{"name with spaces", "my image", "", ""},
		{"name ending in dash", "nginx-", "", ""},
		{"tag starting with dash", "nginx", "-bad", ""},
		{"tag starting with dot", "nginx", ".bad", ""},
		{"tag too long", "nginx", "v" + strings.Repeat("1", 200), ""},
		{"tag with slash", "nginx", "1/2", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NormalizeImageRef(tc.inName, tc.inTag, tc.inRegistry); err == nil {
				t.Errorf("NormalizeImageRef(%q, %q, %q) should fail", tc.inName, tc.inTag, tc.inRegistry)
			}
		})
	}
}
