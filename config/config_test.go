package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"meshledger/config"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Router.DefaultTTL != 5 || cfg.Router.FavoriteTTL != 3 {
		t.Fatalf("unexpected TTL defaults %+v", cfg.Router)
	}
	if cfg.Fee.Base != 100 || cfg.Fee.HopRate != 150 || cfg.Fee.TargetLatency != 250*time.Millisecond {
		t.Fatalf("unexpected fee defaults %+v", cfg.Fee)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
router:
  default_ttl: 7
  jitter_max: 300ms
pow:
  difficulty: 6
transport:
  name: alpha
  peers:
    - beta=ws://10.0.0.2:8080/link
`)
	t.Setenv("MESHLEDGER_FEE_BASE", "250")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Router.DefaultTTL != 7 || cfg.Router.JitterMax != 300*time.Millisecond {
		t.Fatalf("file values not applied: %+v", cfg.Router)
	}
	if cfg.Router.FavoriteTTL != 3 {
		t.Fatalf("unset keys must keep their defaults, got %d", cfg.Router.FavoriteTTL)
	}
	if cfg.PoW.Difficulty != 6 {
		t.Fatalf("expected difficulty 6, got %d", cfg.PoW.Difficulty)
	}
	if cfg.Fee.Base != 250 {
		t.Fatalf("expected environment override, got base %d", cfg.Fee.Base)
	}
	if cfg.Transport.Name != "alpha" || len(cfg.Transport.Peers) != 1 {
		t.Fatalf("unexpected transport %+v", cfg.Transport)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a missing explicit file")
	}

	cases := map[string]string{
		"cover probability": "router:\n  cover_probability: 2\n",
		"fee bounds":        "fee:\n  floor: 5000\n  ceiling: 1000\n",
		"parent strategy":   "ledger:\n  parent_strategy: oldest\n",
		"reward ratio":      "wallet:\n  reward_ratio: 1500\n",
	}
	for name, body := range cases {
		if _, err := config.Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected a validation error", name)
		}
	}
}
