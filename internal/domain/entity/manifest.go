package entity

import "encoding/json"

// SceneView is one camera view inside the scene manifest. AliceVision stores
// every numeric field as a JSON string, including the ids.
type SceneView struct {
	ViewID      string `json:"viewId"`
	PoseID      string `json:"poseId,omitempty"`
	IntrinsicID string `json:"intrinsicId,omitempty"`
	Path        string `json:"path,omitempty"`
	Width       string `json:"width,omitempty"`
	Height      string `json:"height,omitempty"`
}

// SceneManifest is the evolving sfm document the toolchain stages hand to
// each other through the cache directory. Camera init seeds it with views
// and intrinsics; structure-from-motion later adds poses and the 3D
// structure. Only the views are interpreted here; the rest is carried
// through opaquely so a partially written manifest round-trips unchanged.
type SceneManifest struct {
	Version    []string        `json:"version,omitempty"`
	Views      []SceneView     `json:"views"`
	Intrinsics json.RawMessage `json:"intrinsics,omitempty"`
	Poses      json.RawMessage `json:"poses,omitempty"`
	Structure  json.RawMessage `json:"structure,omitempty"`
}
