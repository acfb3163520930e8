package sherpa

import "testing"

func TestFromOptions(t *testing.T) {
	cfg := FromOptions(map[string]string{"model_type": "vits", "tokens": "tok.txt"})
	if cfg.ModelType != "vits" || cfg.Tokens != "tok.txt" {
		t.Errorf("Options not applied: %+v", cfg)
	}
	if cfg.DataDir != "espeak-ng-data" {
		t.Errorf("Defaults lost: %+v", cfg)
	}
}
