package config

import (
	"encoding/json"
	"fmt"
)

// CameraInfo is the calibration of one depth camera mounted on a tool flange.
type CameraInfo struct {
	K          [9]float64  `json:"K"` // row-major 3x3 intrinsics
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	CamToTool0 [16]float64 `json:"cam_to_tool0"` // row-major hand-eye calibration

	DepthTopic string `json:"depth_topic,omitempty"`
	ColorTopic string `json:"color_topic,omitempty"`
	PoseTopic  string `json:"tool0_pose_topic,omitempty"`
}

// LoadCameraInfo reads a camera calibration file.
func LoadCameraInfo(path string) (*CameraInfo, error) {
	data, err := readJSONFile(path)
	if err != nil {
		return nil, err
	}
	var ci CameraInfo
	if err := json.Unmarshal(data, &ci); err != nil {
		return nil, fmt.Errorf("failed to parse camera info JSON: %w", err)
	}
	if err := ci.Validate(); err != nil {
		return nil, fmt.Errorf("invalid camera info: %w", err)
	}
	return &ci, nil
}

// Validate checks image size, focal lengths and the homogeneous row of the
// hand-eye transform. Rigidity is checked where the transform is used.
func (c *CameraInfo) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("width and height must be positive, got %dx%d", c.Width, c.Height)
	}
	if c.K[0] <= 0 || c.K[4] <= 0 {
		return fmt.Errorf("focal lengths must be positive, got fx=%f fy=%f", c.K[0], c.K[4])
	}
	if c.K[8] != 1 {
		return fmt.Errorf("K[2][2] must be 1, got %f", c.K[8])
	}
	if c.CamToTool0[15] != 1 {
		return fmt.Errorf("cam_to_tool0 last row must be [0 0 0 1]")
	}
	return nil
}
