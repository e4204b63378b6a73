package types

// FrameTask represents a single decoded RGBA frame moving through a transcode.
type FrameTask struct {
	Index int
	Data  []byte
}

// DetectRequest is the job description sent to the external detector process.
type DetectRequest struct {
	Video     string  `json:"video"`
	Threshold float64 `json:"threshold"`
	Classes   []int   `json:"classes,omitempty"`
}

// Detection matches one detection object coming back from the detector.
type Detection struct {
	TrackID string    `json:"track_id"`
	BBox    []float64 `json:"bbox"` // [x0, y0, x1, y1]
	Score   float64   `json:"score"`
	ClassID int       `json:"class_id"`
}

// WorkerMessage is one length-prefixed frame on the detector's data pipe.
// Type is one of "progress", "detections", "done" or "error".
type WorkerMessage struct {
	Type       string      `json:"type"`
	Progress   float64     `json:"progress,omitempty"`
	Frame      int         `json:"frame,omitempty"`
	Detections []Detection `json:"detections,omitempty"`
	Width      int         `json:"width,omitempty"`
	Height     int         `json:"height,omitempty"`
	FPS        float64     `json:"fps,omitempty"`
	Frames     int         `json:"total_frames,omitempty"`
	Error      string      `json:"error,omitempty"`
}

