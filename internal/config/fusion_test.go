package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return p
}

func TestEmptyFusionConfig_Defaults(t *testing.T) {
	cfg := EmptyFusionConfig()

	if got := cfg.GetVolumeShape(); got != [3]int{128, 128, 64} {
		t.Errorf("GetVolumeShape() = %v", got)
	}
	if got := cfg.GetVolumeResolution(); got != 0.005 {
		t.Errorf("GetVolumeResolution() = %f, want 0.005", got)
	}
	if got := cfg.GetVolumeToWorld(); got[0] != 1 || got[5] != 1 || got[10] != 1 || got[15] != 1 || got[3] != 0 {
		t.Errorf("GetVolumeToWorld() = %v, want identity", got)
	}
	if !cfg.GetWithColor() {
		t.Error("GetWithColor() should default to true")
	}
	if got := cfg.GetFusionPolicy(); got != "variance" {
		t.Errorf("GetFusionPolicy() = %q, want variance", got)
	}
	if got := cfg.GetBlendRate(); got != 0.2 {
		t.Errorf("GetBlendRate() = %f, want 0.2", got)
	}
	base, quad, off := cfg.GetNoise()
	if base != 0.0012 || quad != 0.0019 || off != 0.4 {
		t.Errorf("GetNoise() = %f %f %f", base, quad, off)
	}
	if cfg.GetSurfaceThreshold() != 0.01 || cfg.GetEmptyVariance() != 10 {
		t.Errorf("flatten defaults = %f %f", cfg.GetSurfaceThreshold(), cfg.GetEmptyVariance())
	}
	if cfg.GetSmooth() {
		t.Error("GetSmooth() should default to false")
	}
	if cfg.GetPersistInterval() != 0 {
		t.Errorf("GetPersistInterval() = %v, want 0", cfg.GetPersistInterval())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("empty config should validate: %v", err)
	}
}

func TestLoadFusionConfig(t *testing.T) {
	path := writeFile(t, "fusion.json", `{
  "volume_shape": [10, 20, 30],
  "volume_resolution": 0.01,
  "fusion_policy": "fixed_rate",
  "blend_rate": 0.5,
  "smooth": true,
  "persist_interval": "90s"
}`)
	cfg, err := LoadFusionConfig(path)
	if err != nil {
		t.Fatalf("LoadFusionConfig: %v", err)
	}
	if cfg.GetVolumeShape() != [3]int{10, 20, 30} {
		t.Errorf("shape = %v", cfg.GetVolumeShape())
	}
	if cfg.GetFusionPolicy() != "fixed_rate" || cfg.GetBlendRate() != 0.5 {
		t.Errorf("policy = %s rate = %f", cfg.GetFusionPolicy(), cfg.GetBlendRate())
	}
	if !cfg.GetSmooth() {
		t.Error("smooth should be true")
	}
	if cfg.GetPersistInterval() != 90*time.Second {
		t.Errorf("persist interval = %v", cfg.GetPersistInterval())
	}
	// unset fields fall back
	if cfg.GetTruncationMargin() != 0.02 {
		t.Errorf("truncation margin = %f", cfg.GetTruncationMargin())
	}
}

func TestLoadFusionConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"extension", "fusion.yaml", `{}`, ".json extension"},
		{"bad json", "fusion.json", `{`, "parse config JSON"},
		{"policy", "fusion.json", `{"fusion_policy": "median"}`, "fusion_policy"},
		{"rate", "fusion.json", `{"blend_rate": 1.5}`, "blend_rate"},
		{"shape", "fusion.json", `{"volume_shape": [1, 0, 1]}`, "volume_shape[1]"},
		{"resolution", "fusion.json", `{"volume_resolution": -1}`, "volume_resolution"},
		{"kernel", "fusion.json", `{"smooth_kernel": 4}`, "smooth_kernel"},
		{"interval", "fusion.json", `{"persist_interval": "soon"}`, "persist_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.body)
			_, err := LoadFusionConfig(path)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}

	if _, err := LoadFusionConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadFusionConfig_TooLarge(t *testing.T) {
	big := `{"noise_base": 0.001` + strings.Repeat(" ", maxConfigFileSize) + `}`
	path := writeFile(t, "big.json", big)
	if _, err := LoadFusionConfig(path); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected too large error, got %v", err)
	}
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	if cfg.VolumeShape == nil || cfg.VolumeResolution == nil {
		t.Fatal("defaults file should set the volume geometry")
	}
	if cfg.GetPersistInterval() != 5*time.Minute {
		t.Errorf("persist interval = %v, want 5m", cfg.GetPersistInterval())
	}
	tw := cfg.GetVolumeToWorld()
	if tw[3] != -0.32 || tw[7] != -0.32 {
		t.Errorf("volume_to_world translation = (%f, %f)", tw[3], tw[7])
	}
}

func TestPointerHelpers(t *testing.T) {
	cfg := &FusionConfig{
		TruncationMargin: ptrFloat64(0.05),
		Workers:          ptrInt(3),
		FusionPolicy:     ptrString("fixed_rate"),
		WithColor:        ptrBool(false),
	}
	if cfg.GetTruncationMargin() != 0.05 || cfg.GetWorkers() != 3 || cfg.GetWithColor() {
		t.Errorf("pointer fields not honoured: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadCameraInfo(t *testing.T) {
	path := writeFile(t, "cam.json", `{
  "K": [615.0, 0, 320.0, 0, 615.0, 240.0, 0, 0, 1],
  "width": 640,
  "height": 480,
  "cam_to_tool0": [1,0,0,0, 0,1,0,0, 0,0,1,0.1, 0,0,0,1],
  "depth_topic": "/depth"
}`)
	ci, err := LoadCameraInfo(path)
	if err != nil {
		t.Fatalf("LoadCameraInfo: %v", err)
	}
	if ci.Width != 640 || ci.Height != 480 || ci.K[2] != 320 {
		t.Errorf("unexpected camera info: %+v", ci)
	}
	if ci.CamToTool0[11] != 0.1 || ci.DepthTopic != "/depth" {
		t.Errorf("unexpected extrinsics/topic: %+v", ci)
	}

	bad := writeFile(t, "cam.json", `{"K": [0,0,0,0,0,0,0,0,1], "width": 1, "height": 1, "cam_to_tool0": [1,0,0,0,0,1,0,0,0,0,1,0,0,0,0,1]}`)
	if _, err := LoadCameraInfo(bad); err == nil {
		t.Error("expected error for zero focal length")
	}
}

func TestExampleCameraInfo(t *testing.T) {
	path, ok := findUp("config/cam_info.example.json")
	if !ok {
		t.Skip("example camera info not found")
	}
	if _, err := LoadCameraInfo(path); err != nil {
		t.Errorf("example camera info invalid: %v", err)
	}
}
