package egress

import (
	"strings"
	"testing"

	"github.com/sprintconnect/registry/internal/registry/model"
)

func TestValidate_schemes(t *testing.T) {
	if d := Validate("ftp://example.com", model.EnvDevelopment, nil); d.Allowed {
		t.Error("ftp scheme must be denied")
	}
	if d := Validate("gopher://example.com", model.EnvProduction, nil); d.Allowed {
		t.Error("gopher scheme must be denied")
	}
}

func TestValidate_plaintextDeniedInProduction(t *testing.T) {
	for _, u := range []string{"http://api.example.com", "ws://api.example.com"} {
		d := Validate(u, model.EnvProduction, []string{"api.example.com"})
		if d.Allowed {
			t.Errorf("%s: plaintext transport must be denied in production", u)
		}
		if !strings.Contains(d.Reason, "production") {
			t.Errorf("%s: reason should mention production, got %q", u, d.Reason)
		}
	}
	// Same hosts are fine over encrypted transport when allow-listed.
	if d := Validate("https://api.example.com", model.EnvProduction, []string{"api.example.com"}); !d.Allowed {
		t.Errorf("allow-listed https host denied: %s", d.Reason)
	}
}

func TestValidate_missingHostname(t *testing.T) {
	if d := Validate("https://", model.EnvDevelopment, nil); d.Allowed {
		t.Error("URL without hostname must be denied")
	}
}

func TestValidate_allowListWins(t *testing.T) {
	// Allow-list entries bypass even the IP literal rules.
	d := Validate("https://10.0.0.5:8443/mcp", model.EnvProduction, []string{"10.0.0.5"})
	if !d.Allowed {
		t.Errorf("allow-listed private IP denied: %s", d.Reason)
	}
}

func TestValidate_blockedIPLiterals(t *testing.T) {
	cases := map[string]string{
		"https://10.1.2.3":        "private",
		"https://192.168.1.1":     "private",
		"https://172.16.0.1":      "private",
		"https://169.254.169.254": "link-local",
		"https://224.0.0.1":       "multicast",
		"https://127.0.0.1":       "loopback",
		"https://[::1]":           "loopback",
		"https://240.0.0.1":       "reserved",
		"https://0.0.0.0":         "reserved",
	}
	for _, env := range []model.Environment{model.EnvDevelopment, model.EnvStaging, model.EnvProduction} {
		for u, want := range cases {
			d := Validate(u, env, nil)
			if d.Allowed {
				t.Errorf("%s in %s: must be denied", u, env)
				continue
			}
			if !strings.Contains(d.Reason, want) {
				t.Errorf("%s in %s: reason %q should contain %q", u, env, d.Reason, want)
			}
		}
	}
}

func TestValidate_publicIPLiteralByEnvironment(t *testing.T) {
	if d := Validate("https://8.8.8.8", model.EnvDevelopment, nil); !d.Allowed {
		t.Errorf("public IP in development denied: %s", d.Reason)
	}
	if d := Validate("https://8.8.8.8", model.EnvStaging, nil); !d.Allowed {
		t.Errorf("public IP in staging denied: %s", d.Reason)
	}
	if d := Validate("https://8.8.8.8", model.EnvProduction, nil); d.Allowed {
		t.Error("public IP in production must require allow-listing")
	}
}

func TestValidate_dnsNamesDefaultDeny(t *testing.T) {
	if d := Validate("https://api.example.com", model.EnvDevelopment, nil); d.Allowed {
		t.Error("non-allow-listed DNS name must be denied")
	}
	if d := Validate("https://bad_host_name.example.com", model.EnvDevelopment, nil); d.Allowed {
		t.Error("malformed hostname must be denied")
	}
	if d := Validate("https://localhost", model.EnvStaging, nil); d.Allowed {
		t.Error("localhost must be denied outside the dev allow-list")
	}
	for _, u := range []string{"https://svc.local", "https://db.internal", "https://nas.home", "https://printer.lan"} {
		if d := Validate(u, model.EnvDevelopment, nil); d.Allowed {
			t.Errorf("%s: internal suffix must be denied", u)
		}
	}
}

func TestValidate_garbageNeverPanics(t *testing.T) {
	for _, u := range []string{"", ":::", "http://[", "%%%", "https://exa mple.com"} {
		d := Validate(u, model.EnvProduction, nil)
		if d.Allowed {
			t.Errorf("%q: garbage input must be denied", u)
		}
	}
}

func TestEffectiveAllowList(t *testing.T) {
	base := []string{"api.example.com"}

	dev := EffectiveAllowList(model.EnvDevelopment, base)
	if d := Validate("http://localhost:3000", model.EnvDevelopment, dev); !d.Allowed {
		t.Errorf("localhost in development denied: %s", d.Reason)
	}
	if d := Validate("http://127.0.0.1:8080", model.EnvDevelopment, dev); !d.Allowed {
		t.Errorf("loopback in development denied: %s", d.Reason)
	}

	for _, env := range []model.Environment{model.EnvStaging, model.EnvProduction} {
		list := EffectiveAllowList(env, base)
		if len(list) != len(base) {
			t.Errorf("%s: allow-list must not be extended, got %v", env, list)
		}
		if d := Validate("https://localhost", env, list); d.Allowed {
			t.Errorf("%s: localhost must stay denied", env)
		}
	}

	// The base slice must not be mutated by the dev extension.
	if len(base) != 1 {
		t.Errorf("configured allow-list mutated: %v", base)
	}
}
